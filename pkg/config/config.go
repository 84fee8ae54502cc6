package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".vmi"
	configFile string = "config.yml"
)

const (
	// DefaultTranslationCacheSize is the number of page translations kept
	// by the memory layer between two resumes.
	DefaultTranslationCacheSize = 4096
	// DefaultCallstackDepth is the number of frames walked by the harness.
	DefaultCallstackDepth = 40
	// DefaultTraceStackArgs is the number of stack arguments recorded by the
	// syscall tracer in addition to the four register arguments.
	DefaultTraceStackArgs = 4
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// SymbolPath is the list of local symbol store directories, laid out
	// like a symbol server cache (<dir>/<pdb>/<id>/<pdb>).
	SymbolPath []string `yaml:"symbol-path"`
	// SymbolServer is the base URL of a symbol server used when a store is
	// not found in SymbolPath.
	SymbolServer string `yaml:"symbol-server,omitempty"`
	// SymbolCache is the directory where downloaded stores are saved.
	SymbolCache string `yaml:"symbol-cache,omitempty"`

	// TranslationCacheSize is the number of entries of the virtual to
	// physical translation cache, zero disables the cache.
	TranslationCacheSize *int `yaml:"translation-cache-size,omitempty"`

	// NTOffsets overrides kernel structure offsets of the Windows guest
	// support, keys are the field names listed by 'vmi offsets'.
	NTOffsets map[string]uint64 `yaml:"nt-offsets,omitempty"`

	// CallstackDepth is the maximum number of frames printed for a stack.
	CallstackDepth *int `yaml:"callstack-depth,omitempty"`
	// TraceStackArgs is the number of stack arguments recorded for every
	// traced system call.
	TraceStackArgs *int `yaml:"trace-stack-args,omitempty"`
}

// GetTranslationCacheSize returns the configured translation cache size or
// its default.
func (c *Config) GetTranslationCacheSize() int {
	if c == nil || c.TranslationCacheSize == nil {
		return DefaultTranslationCacheSize
	}
	return *c.TranslationCacheSize
}

// GetCallstackDepth returns the configured call stack depth or its default.
func (c *Config) GetCallstackDepth() int {
	if c == nil || c.CallstackDepth == nil || *c.CallstackDepth <= 0 {
		return DefaultCallstackDepth
	}
	return *c.CallstackDepth
}

// GetTraceStackArgs returns the configured number of traced stack arguments
// or its default.
func (c *Config) GetTraceStackArgs() int {
	if c == nil || c.TraceStackArgs == nil || *c.TraceStackArgs < 0 {
		return DefaultTraceStackArgs
	}
	return *c.TraceStackArgs
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	c, err := Read(f)
	if err != nil {
		fmt.Printf("%v.", err)
		return &Config{}
	}
	return c
}

// Read decodes a configuration file.
func Read(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}
	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(w io.Writer) error {
	_, err := io.WriteString(w,
		`# Configuration file for vmi.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Directories searched for symbol stores, using the symbol server cache layout
# (<dir>/<pdb name>/<guid><age>/<pdb name>).
symbol-path: []

# Symbol server queried when a store is not found locally.
# symbol-server: https://msdl.microsoft.com/download/symbols

# Directory where downloaded symbol stores are saved.
# symbol-cache: ~/.vmi/symbols

# Number of virtual to physical translations cached between two resumes.
# translation-cache-size: 4096

# Kernel structure offsets overriding the built-in Windows 10 x64 layout.
# nt-offsets:
#   EPROCESS.UniqueProcessId: 0x440

# Maximum number of frames printed for a call stack.
# callstack-depth: 40

# Number of stack arguments recorded for each traced system call.
# trace-stack-args: 4
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if configPath := os.Getenv("VMI_CONFIG_DIR"); configPath != "" {
		return path.Join(configPath, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}

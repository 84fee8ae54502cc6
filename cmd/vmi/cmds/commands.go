package cmds

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"

	"github.com/go-delve/vmi/pkg/config"
	"github.com/go-delve/vmi/pkg/core"
	"github.com/go-delve/vmi/pkg/hv/gdbstub"
	"github.com/go-delve/vmi/pkg/logflags"
	"github.com/go-delve/vmi/pkg/osi"
	"github.com/go-delve/vmi/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// guestOS is the operating system family of the guest.
	guestOS string
	// physMem is the file backing the guest RAM.
	physMem string
	lowMem  uint64
	timeout time.Duration

	symbolPath     []string
	symbolServer   string
	symbolCache    string
	callstackDepth int
	traceStackArgs int

	// metricsAddr is the listen address of the /metrics endpoint.
	metricsAddr string

	runOpts scenario

	traceCount  int
	traceOutput string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const vmiCommandLongDesc = `vmi introspects and debugs a running virtual machine.

vmi attaches to the gdb stub of a QEMU/KVM guest and reconstructs the state of
the guest operating system from its memory: processes, threads, modules and
drivers. It resolves guest addresses to symbols, sets breakpoints scoped to a
process, walks call stacks and traces system calls, without any agent running
in the guest.

Start the guest with the gdb stub enabled, for example:

` + "`qemu-system-x86_64 -s ...`" + `

and pass the stub address to the commands:

` + "`vmi ps localhost:1234`"

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main vmi root command.
	rootCommand = &cobra.Command{
		Use:          "vmi",
		Short:        "vmi is a virtual machine introspection tool.",
		Long:         vmiCommandLongDesc,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logflags.Setup(log, logOutput, logDest)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logflags.Close()
		},
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'vmi help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'vmi help log').")

	rootCommand.PersistentFlags().StringVar(&guestOS, "os", "nt", "Operating system of the guest.")
	rootCommand.PersistentFlags().StringVar(&physMem, "phys-mem", "", "File backing the guest RAM (memory-backend-file,share=on), read instead of going through the stub.")
	rootCommand.PersistentFlags().Uint64Var(&lowMem, "low-mem", gdbstub.DefaultLowMemory, "Amount of guest RAM mapped below 4GiB, with --phys-mem.")
	rootCommand.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Timeout of the connection to the stub.")

	rootCommand.PersistentFlags().StringSliceVar(&symbolPath, "symbol-path", nil, "Local symbol store directories, overrides symbol-path of the config file.")
	rootCommand.PersistentFlags().StringVar(&symbolServer, "symbol-server", "", "Symbol server queried for missing stores.")
	rootCommand.PersistentFlags().StringVar(&symbolCache, "symbol-cache", "", "Directory where downloaded stores are saved.")
	rootCommand.PersistentFlags().IntVar(&callstackDepth, "callstack-depth", config.DefaultCallstackDepth, "Maximum number of frames of a call stack.")
	rootCommand.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address.")

	// 'run' subcommand.
	runCommand := &cobra.Command{
		Use:   "run addr",
		Short: "Run the introspection scenario on a guest.",
		Long: `Run the introspection scenario on the guest behind the gdb stub at addr.

The scenario lists the drivers and the processes of the guest, joins the
target process, loads the symbols of its modules and prints the location of
its threads. It then breaks on nt!SwapContext, prints call stacks of
ntdll!RtlAllocateHeap and traces the system calls of the target, the trace is
written to the file given with --output.`,
		Args: cobra.ExactArgs(1),
		RunE: withCore(func(c *core.Core, args []string) error {
			return runScenario(os.Stdout, c, runOpts)
		}),
	}
	runCommand.Flags().StringVar(&runOpts.target, "target", "notepad.exe", "Name or PID of the target process.")
	runCommand.Flags().IntVar(&runOpts.breaks, "breaks", 16, "Number of nt!SwapContext hits printed.")
	runCommand.Flags().IntVar(&runOpts.callstacks, "callstacks", 3, "Number of call stacks printed.")
	runCommand.Flags().IntVar(&runOpts.syscalls, "syscalls", 100, "Number of traced system calls.")
	runCommand.Flags().StringVarP(&runOpts.output, "output", "o", "output.json", "Output file of the system call trace.")
	rootCommand.AddCommand(runCommand)

	// 'ps' subcommand.
	psCommand := &cobra.Command{
		Use:   "ps addr",
		Short: "List the processes of a guest.",
		Args:  cobra.ExactArgs(1),
		RunE: withCore(func(c *core.Core, args []string) error {
			return printProcesses(os.Stdout, c)
		}),
	}
	rootCommand.AddCommand(psCommand)

	// 'drivers' subcommand.
	driversCommand := &cobra.Command{
		Use:   "drivers addr",
		Short: "List the kernel drivers of a guest.",
		Args:  cobra.ExactArgs(1),
		RunE: withCore(func(c *core.Core, args []string) error {
			return printDrivers(os.Stdout, c)
		}),
	}
	rootCommand.AddCommand(driversCommand)

	// 'modules' subcommand.
	modulesCommand := &cobra.Command{
		Use:   "modules addr process",
		Short: "List the modules and threads of a guest process.",
		Long: `List the modules and threads of a guest process.

The process is a name or a PID. The symbols of the modules are loaded from the
symbol path, the location of every thread is resolved against them.`,
		Args: cobra.ExactArgs(2),
		RunE: withCore(func(c *core.Core, args []string) error {
			proc, err := findProcess(c, args[0])
			if err != nil {
				return err
			}
			if err := loadModuleSymbols(os.Stdout, c, proc); err != nil {
				return err
			}
			if err := printModules(os.Stdout, c, proc); err != nil {
				return err
			}
			return printThreads(os.Stdout, c, proc)
		}),
	}
	rootCommand.AddCommand(modulesCommand)

	// 'trace' subcommand.
	traceCommand := &cobra.Command{
		Use:   "trace addr process",
		Short: "Trace the system calls of a guest process.",
		Long: `Trace the system calls of a guest process.

Every system call stub of ntdll is traced in the process, until --count system
calls were recorded or vmi is interrupted. The calls are written, one JSON
object per line, to --output. Output files ending with .zst are compressed.`,
		Args: cobra.ExactArgs(2),
		RunE: withCore(func(c *core.Core, args []string) error {
			return traceCmd(c, args[0])
		}),
	}
	traceCommand.Flags().IntVar(&traceCount, "count", 0, "Number of system calls to record, 0 until interrupted.")
	traceCommand.Flags().StringVarP(&traceOutput, "output", "o", "output.json", "Output file.")
	traceCommand.Flags().IntVar(&traceStackArgs, "stack-args", config.DefaultTraceStackArgs, "Number of stack arguments recorded for each call.")
	rootCommand.AddCommand(traceCommand)

	// 'version' subcommand.
	var versionVerbose = false
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vmi\n%s\n", version.VMIVersion)
			if versionVerbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	// 'config' subcommand.
	var saveConfig bool
	configCommand := &cobra.Command{
		Use:   "config",
		Short: "Prints or saves the configuration.",
		Long: `Prints the configuration in effect: the config file with the values given
on the command line applied over it. With --save the result replaces the
config file, for example:

	vmi config --save --symbol-path /srv/symbols --symbol-cache ~/.vmi/symbols`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return configCmd(cmd.OutOrStdout(), cmd.Flags(), conf, saveConfig)
		},
	}
	configCommand.Flags().BoolVar(&saveConfig, "save", false, "Write the configuration to the config file.")
	rootCommand.AddCommand(configCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:

	memory	Log guest memory accesses and page table walks
	os	Log the OS layer (process, module and driver lists)
	symbols	Log symbol store lookups and downloads
	state	Log breakpoints and run control
	gdbwire	Log the packets exchanged with the gdb stub
	plugin	Log the plugins (system call tracer)
	core	Log engine setup (default)

Additionally --log-dest can be used to specify where the logs should be
written. If the argument is a number it will be interpreted as a file
descriptor, otherwise as a file path.`,
	})

	return rootCommand
}

// overrideConfig replaces the values of c set on the command line.
func overrideConfig(flags *pflag.FlagSet, c *config.Config) {
	if flags.Changed("symbol-path") {
		c.SymbolPath = symbolPath
	}
	if flags.Changed("symbol-server") {
		c.SymbolServer = symbolServer
	}
	if flags.Changed("symbol-cache") {
		c.SymbolCache = symbolCache
	}
	if flags.Changed("callstack-depth") {
		c.CallstackDepth = &callstackDepth
	}
	if flags.Lookup("stack-args") != nil && flags.Changed("stack-args") {
		c.TraceStackArgs = &traceStackArgs
	}
}

func configCmd(out io.Writer, flags *pflag.FlagSet, c *config.Config, save bool) error {
	overrideConfig(flags, c)
	if save {
		if err := config.SaveConfig(c); err != nil {
			return fmt.Errorf("could not save %s: %w", configPath(), err)
		}
		fmt.Fprintf(out, "saved %s\n", configPath())
		return nil
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "# %s\n%s", configPath(), data)
	return nil
}

// withCore attaches an engine to the stub named by the first argument and
// passes it to fn with the remaining arguments. The engine is closed when fn
// returns, the guest keeps running.
func withCore(fn func(c *core.Core, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		overrideConfig(cmd.Flags(), conf)
		c, err := connect(args[0])
		if err != nil {
			return err
		}
		err = fn(c, args[1:])
		if cerr := c.Close(); err == nil {
			err = cerr
		}
		return err
	}
}

func connect(addr string) (*core.Core, error) {
	family, err := osi.ParseFamily(guestOS)
	if err != nil {
		return nil, err
	}
	stub, err := gdbstub.Dial(addr, gdbstub.Options{PhysicalMemory: physMem, LowMemory: lowMem, Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", addr, err)
	}
	var reg prometheus.Registerer
	if metricsAddr != "" {
		r := prometheus.NewRegistry()
		r.MustRegister(collectors.NewGoCollector())
		serveMetrics(metricsAddr, r)
		reg = r
	}
	c, err := core.Setup(stub, core.Options{Family: family, Config: conf, Fs: afero.NewOsFs(), Registerer: reg})
	if err != nil {
		stub.Close()
		var serr *core.SetupError
		if errors.As(err, &serr) && serr.Phase == core.PhaseSymbols {
			return nil, fmt.Errorf("%w (check symbol-path in %s)", err, configPath())
		}
		return nil, err
	}
	return c, nil
}

func configPath() string {
	path, err := config.GetConfigFilePath("config.yml")
	if err != nil {
		return "the config file"
	}
	return path
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logflags.CoreLogger().Errorf("metrics endpoint: %v", err)
		}
	}()
}

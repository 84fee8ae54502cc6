package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var memory = false
var osLayer = false
var symbols = false
var state = false
var gdbWire = false
var plugin = false
var core = false

var logOut io.WriteCloser
var colors = false

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Formatter = &logrus.TextFormatter{
		ForceColors:      colors,
		DisableColors:    !colors,
		DisableTimestamp: true,
	}
	if logOut != nil {
		logger.Logger.Out = logOut
	} else if colors {
		logger.Logger.Out = colorable.NewColorableStderr()
	}
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.ErrorLevel
	}
	return logger
}

// Memory returns true if the memory access layer should log.
func Memory() bool {
	return memory
}

// MemoryLogger returns a logger for the memory access layer.
func MemoryLogger() *logrus.Entry {
	return makeLogger(memory, logrus.Fields{"layer": "memory"})
}

// OS returns true if the OS abstraction layer should log.
func OS() bool {
	return osLayer
}

// OSLogger returns a logger for the OS abstraction layer.
func OSLogger() *logrus.Entry {
	return makeLogger(osLayer, logrus.Fields{"layer": "os"})
}

// Symbols returns true if the symbol engine and the binary parser should
// log.
func Symbols() bool {
	return symbols
}

// SymbolsLogger returns a logger for the symbol engine.
func SymbolsLogger() *logrus.Entry {
	return makeLogger(symbols, logrus.Fields{"layer": "symbols"})
}

// State returns true if the execution control state machine should log.
func State() bool {
	return state
}

// StateLogger returns a logger for the execution control state machine.
func StateLogger() *logrus.Entry {
	return makeLogger(state, logrus.Fields{"layer": "state"})
}

// GdbWire returns true if the gdbstub transport should log all the packets
// exchanged with the stub.
func GdbWire() bool {
	return gdbWire
}

// GdbWireLogger returns a configured logger for the gdb wire protocol.
func GdbWireLogger() *logrus.Entry {
	return makeLogger(gdbWire, logrus.Fields{"layer": "gdbconn"})
}

// Plugin returns true if plugins should log.
func Plugin() bool {
	return plugin
}

// PluginLogger returns a logger for the plugin named name.
func PluginLogger(name string) *logrus.Entry {
	return makeLogger(plugin, logrus.Fields{"layer": "plugin", "plugin": name})
}

// Core returns true if engine setup should log.
func Core() bool {
	return core
}

// CoreLogger returns a logger for engine setup.
func CoreLogger() *logrus.Entry {
	return makeLogger(core, logrus.Fields{"layer": "core"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "vmi-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	} else {
		colors = isatty.IsTerminal(os.Stderr.Fd())
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logOut != nil {
		log.SetOutput(logOut)
	}
	if logstr == "" {
		logstr = "core"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "memory":
			memory = true
		case "os":
			osLayer = true
		case "symbols":
			symbols = true
		case "state":
			state = true
		case "gdbwire":
			gdbWire = true
		case "plugin":
			plugin = true
		case "core":
			core = true
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// Package core wires the engine components together: it pauses the guest,
// builds the memory layer, the symbol engine, the state machine and the OS
// layer of the guest family, and loads the symbols of guest modules.
package core

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/go-delve/vmi/pkg/callstack"
	"github.com/go-delve/vmi/pkg/config"
	"github.com/go-delve/vmi/pkg/guest"
	"github.com/go-delve/vmi/pkg/hv"
	"github.com/go-delve/vmi/pkg/logflags"
	"github.com/go-delve/vmi/pkg/memory"
	"github.com/go-delve/vmi/pkg/metrics"
	"github.com/go-delve/vmi/pkg/osi"
	"github.com/go-delve/vmi/pkg/osi/nt"
	"github.com/go-delve/vmi/pkg/pe"
	"github.com/go-delve/vmi/pkg/state"
	"github.com/go-delve/vmi/pkg/symbols"
)

// Phase names a step of Setup.
type Phase string

const (
	PhasePause   Phase = "pause"
	PhaseMemory  Phase = "memory"
	PhaseSymbols Phase = "symbols"
	PhaseOS      Phase = "os"
)

// SetupError is returned by Setup, it records the phase that failed.
type SetupError struct {
	Phase Phase
	Err   error
}

func (err *SetupError) Error() string {
	return fmt.Sprintf("setup failed during %s: %v", err.Phase, err.Err)
}

func (err *SetupError) Unwrap() error {
	return err.Err
}

// Options configures Setup.
type Options struct {
	Family osi.Family
	Config *config.Config
	// Fs is the filesystem of the symbol paths, the host filesystem when
	// nil.
	Fs afero.Fs
	// Registerer receives the engine metrics, they are not registered when
	// nil.
	Registerer prometheus.Registerer
}

// Core holds the components of an engine attached to one guest.
type Core struct {
	Transport hv.Transport
	Mem       *memory.Memory
	State     *state.Engine
	Symbols   *symbols.Engine
	OS        osi.OS
	Callstack *callstack.Unwinder
	Metrics   *metrics.Metrics
	Config    *config.Config

	log *logrus.Entry
}

// Setup attaches an engine to the guest behind t. The guest is paused when
// Setup returns, successfully or not.
func Setup(t hv.Transport, opts Options) (*Core, error) {
	c := &Core{
		Transport: t,
		Config:    opts.Config,
		Metrics:   metrics.New(opts.Registerer),
		log:       logflags.CoreLogger(),
	}
	fail := func(phase Phase, err error) (*Core, error) {
		c.Metrics.SetupErrors.WithLabelValues(string(phase)).Inc()
		return nil, &SetupError{Phase: phase, Err: err}
	}

	if err := t.Pause(); err != nil {
		return fail(PhasePause, hv.Failure("pause", err))
	}

	mem, err := memory.New(t, c.Config.GetTranslationCacheSize(), c.Metrics.Memory)
	if err != nil {
		return fail(PhaseMemory, err)
	}
	c.Mem = mem
	c.State = state.New(t, mem, c.Metrics.State)

	c.Symbols = symbols.New(c.Metrics.Symbols)
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	loc := symbols.NewLocator(fs, nil, c.Metrics.Symbols)
	if c.Config != nil {
		loc.Paths = c.Config.SymbolPath
		loc.Server = c.Config.SymbolServer
		loc.Cache = c.Config.SymbolCache
	}
	if loc.Server != "" && loc.Cache == "" {
		return fail(PhaseSymbols, errors.New("symbol-server requires symbol-cache"))
	}
	c.Symbols.SetLocator(loc)

	switch opts.Family {
	case osi.FamilyNT:
		off := nt.DefaultOffsets()
		if c.Config != nil {
			if err := off.Apply(c.Config.NTOffsets); err != nil {
				return fail(PhaseOS, err)
			}
		}
		os, err := nt.New(mem, c.State, c.Symbols, off)
		if err != nil {
			return fail(PhaseOS, err)
		}
		c.OS = os
	default:
		return fail(PhaseOS, fmt.Errorf("unsupported guest os %v", opts.Family))
	}

	c.Callstack = callstack.New(mem, c.Symbols, callstack.AMD64)
	c.log.Infof("attached to %v guest", opts.Family)
	return c, nil
}

// LoadModuleSymbols loads the symbols of every module of proc whose store
// is not loaded yet. Modules whose symbols cannot be loaded are skipped,
// the returned *multierror.Error lists them. A transport failure stops the
// walk and is returned as is.
func (c *Core) LoadModuleSymbols(proc osi.Process) error {
	var result *multierror.Error
	var fatal error
	err := c.OS.ModList(proc, func(mod osi.Module) guest.Walk {
		name, ok := c.OS.ModName(proc, mod)
		if !ok {
			return guest.Next
		}
		span, ok := c.OS.ModSpan(proc, mod)
		if !ok {
			return guest.Next
		}
		if err := c.loadSymbols(proc.DTB, name, span); err != nil {
			if errors.Is(err, hv.ErrTransportFailure) {
				fatal = err
				return guest.Stop
			}
			result = multierror.Append(result, err)
		}
		return guest.Next
	})
	if fatal != nil {
		return fatal
	}
	if err != nil {
		return err
	}
	return result.ErrorOrNil()
}

// LoadDriverSymbols loads the symbols of every driver whose store is not
// loaded yet.
func (c *Core) LoadDriverSymbols() error {
	var result *multierror.Error
	var fatal error
	err := c.OS.DriverList(func(drv osi.Driver) guest.Walk {
		name, ok := c.OS.DriverName(drv)
		if !ok {
			return guest.Next
		}
		span, ok := c.OS.DriverSpan(drv)
		if !ok {
			return guest.Next
		}
		if err := c.loadSymbols(c.OS.KernelDTB(), name, span); err != nil {
			if errors.Is(err, hv.ErrTransportFailure) {
				fatal = err
				return guest.Stop
			}
			result = multierror.Append(result, err)
		}
		return guest.Next
	})
	if fatal != nil {
		return fatal
	}
	if err != nil {
		return err
	}
	return result.ErrorOrNil()
}

func (c *Core) loadSymbols(dtb guest.DTB, name string, span guest.Span) error {
	store := symbols.StoreName(name)
	if _, ok := c.Symbols.Store(store); ok {
		return nil
	}
	// the kernel image is already loaded as nt
	for _, st := range c.Symbols.Stores() {
		if st.Span == span {
			return nil
		}
	}
	cv, err := pe.ReadCodeView(c.Mem.Reader(dtb), span)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	err = c.Symbols.LoadModule(store, span, cv)
	var exists symbols.StoreExistsError
	if errors.As(err, &exists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Close pauses the guest, removes every breakpoint and closes the
// transport.
func (c *Core) Close() error {
	var result *multierror.Error
	if err := c.State.Pause(); err != nil {
		result = multierror.Append(result, err)
	}
	for _, bp := range c.State.Breakpoints() {
		if err := c.State.RemoveBreakpoint(bp); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := c.Transport.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

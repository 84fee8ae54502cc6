// Package symbols resolves guest code addresses to module!symbol names and
// back, using one symbol store per loaded module.
package symbols

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/go-delve/vmi/pkg/guest"
	"github.com/go-delve/vmi/pkg/logflags"
	"github.com/go-delve/vmi/pkg/metrics"
	"github.com/go-delve/vmi/pkg/pe"
)

// Cursor is the symbolic description of an address.
type Cursor struct {
	Module string
	Symbol string
	Offset uint64
}

func (c Cursor) String() string {
	if c.Offset == 0 {
		return c.Module + "!" + c.Symbol
	}
	return fmt.Sprintf("%s!%s+%#x", c.Module, c.Symbol, c.Offset)
}

// StoreExistsError is returned when inserting a store under a name that is
// already used.
type StoreExistsError struct {
	Name string
}

func (err StoreExistsError) Error() string {
	return fmt.Sprintf("symbol store %q already loaded", err.Name)
}

// ErrUnknownFormat is returned by Insert when the store bytes are not in a
// supported format.
var ErrUnknownFormat = errors.New("unknown symbol store format")

// Engine owns the symbol stores of every loaded module. Stores are
// appended, never removed.
//
// Engine is not safe for concurrent use.
type Engine struct {
	stores  map[string]*Store
	order   []*Store
	locator *Locator
	metrics *metrics.SymbolsMetrics
	log     *logrus.Entry
}

// New returns an empty engine. m may be nil.
func New(m *metrics.SymbolsMetrics) *Engine {
	if m == nil {
		m = metrics.NewSymbolsMetrics(nil)
	}
	return &Engine{
		stores:  make(map[string]*Store),
		metrics: m,
		log:     logflags.SymbolsLogger(),
	}
}

// SetLocator sets the locator used to resolve CodeView records passed to
// Insert.
func (e *Engine) SetLocator(l *Locator) {
	e.locator = l
}

// Locator returns the locator set with SetLocator, or nil.
func (e *Engine) Locator() *Locator {
	return e.locator
}

// Sanitize strips from name the characters that are not allowed in a store
// name: path separators and control characters.
func Sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
}

// StoreName returns the conventional store name of a module or driver file
// name: its base name without extension, lower case.
func StoreName(file string) string {
	file = strings.ReplaceAll(file, "\\", "/")
	base := path.Base(file)
	base = strings.TrimSuffix(base, path.Ext(base))
	return Sanitize(strings.ToLower(base))
}

// Insert parses raw and registers it under the sanitized name for the
// module mapped at span.
//
// raw is either a symbol store (program database or text symbol map) or
// the CodeView record of the module, in which case the store is obtained
// through the locator.
func (e *Engine) Insert(name string, span guest.Span, raw []byte) error {
	name = Sanitize(name)
	if _, ok := e.stores[name]; ok {
		return StoreExistsError{name}
	}
	var syms []Symbol
	var err error
	if bytes.HasPrefix(raw, []byte("RSDS")) {
		syms, err = e.locate(raw)
	} else {
		syms, err = parse(raw)
	}
	if err != nil {
		e.metrics.LoadErrors.WithLabelValues("parse").Inc()
		return fmt.Errorf("loading symbols of %s: %w", name, err)
	}
	e.add(newStore(name, span, syms))
	return nil
}

func (e *Engine) locate(raw []byte) ([]Symbol, error) {
	cv, err := pe.ParseCodeView(raw)
	if err != nil {
		return nil, err
	}
	if e.locator == nil {
		return nil, fmt.Errorf("no symbol locator to find %v", cv)
	}
	data, err := e.locator.Locate(cv)
	if err != nil {
		return nil, err
	}
	return parse(data)
}

// parse decodes a program database or a text symbol map.
func parse(raw []byte) ([]Symbol, error) {
	switch {
	case bytes.HasPrefix(raw, []byte(msfMagic)):
		return ParsePDB(bytes.NewReader(raw))
	case isTextMap(raw):
		return ParseTextMap(bytes.NewReader(raw))
	}
	return nil, ErrUnknownFormat
}

func (e *Engine) add(s *Store) {
	e.stores[s.Name] = s
	e.order = append(e.order, s)
	e.metrics.Stores.Inc()
	e.metrics.Symbols.Add(float64(s.Len()))
	if logflags.Symbols() {
		e.log.Debugf("loaded %d symbols for %s at %v", s.Len(), s.Name, s.Span)
	}
}

// Find returns the symbol containing addr. Stores are searched in
// insertion order, the first store whose span contains addr is used.
func (e *Engine) Find(addr uint64) (Cursor, bool) {
	e.metrics.Lookups.Inc()
	for _, s := range e.order {
		if !s.Span.Contains(addr) {
			continue
		}
		sym, ok := s.Lookup(addr - s.Span.Addr)
		if !ok {
			break
		}
		return Cursor{Module: s.Name, Symbol: sym.Name, Offset: addr - s.Span.Addr - sym.Offset}, true
	}
	e.metrics.LookupMisses.Inc()
	return Cursor{}, false
}

// lookupStore returns the store of module, which is either a store name or
// a module file name such as KERNEL32.DLL.
func (e *Engine) lookupStore(module string) (*Store, bool) {
	if s, ok := e.stores[Sanitize(module)]; ok {
		return s, true
	}
	s, ok := e.stores[StoreName(module)]
	return s, ok
}

// Symbol returns the absolute address of the symbol called name in the
// store of module.
func (e *Engine) Symbol(module, name string) (uint64, bool) {
	s, ok := e.lookupStore(module)
	if !ok {
		return 0, false
	}
	off, ok := s.Offset(name)
	if !ok {
		return 0, false
	}
	return s.Span.Addr + off, true
}

// Symbols returns the sorted names of the symbols of module starting with
// prefix.
func (e *Engine) Symbols(module, prefix string) []string {
	s, ok := e.lookupStore(module)
	if !ok {
		return nil
	}
	return s.Names(prefix)
}

// Store returns the store called name, or the store of the module file
// called name.
func (e *Engine) Store(name string) (*Store, bool) {
	return e.lookupStore(name)
}

// Stores returns the loaded stores in insertion order.
func (e *Engine) Stores() []*Store {
	return append([]*Store(nil), e.order...)
}

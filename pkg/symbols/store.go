package symbols

import (
	"sort"

	"github.com/derekparker/trie"

	"github.com/go-delve/vmi/pkg/guest"
)

// Symbol is one entry of a store, Offset is relative to the module base.
type Symbol struct {
	Offset uint64
	Name   string
}

// Store holds the symbols of one module. It is immutable once built.
type Store struct {
	Name string
	Span guest.Span

	syms  []Symbol
	names *trie.Trie
}

func newStore(name string, span guest.Span, syms []Symbol) *Store {
	sort.SliceStable(syms, func(i, j int) bool {
		return syms[i].Offset < syms[j].Offset
	})
	names := trie.New()
	for _, sym := range syms {
		if sym.Name == "" {
			continue
		}
		// first definition wins
		if _, ok := names.Find(sym.Name); ok {
			continue
		}
		names.Add(sym.Name, sym.Offset)
	}
	return &Store{Name: name, Span: span, syms: syms, names: names}
}

// Len returns the number of symbols in the store.
func (s *Store) Len() int {
	return len(s.syms)
}

// Lookup returns the symbol with the greatest offset less than or equal to
// off.
func (s *Store) Lookup(off uint64) (Symbol, bool) {
	if len(s.syms) == 0 || off < s.syms[0].Offset {
		return Symbol{}, false
	}
	i := sort.Search(len(s.syms), func(i int) bool {
		return off < s.syms[i].Offset
	})
	return s.syms[i-1], true
}

// Offset returns the offset of the symbol called name.
func (s *Store) Offset(name string) (uint64, bool) {
	node, ok := s.names.Find(name)
	if !ok {
		return 0, false
	}
	return node.Meta().(uint64), true
}

// Names returns the sorted names of the store starting with prefix.
func (s *Store) Names(prefix string) []string {
	names := s.names.PrefixSearch(prefix)
	sort.Strings(names)
	return names
}

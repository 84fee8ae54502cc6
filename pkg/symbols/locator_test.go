package symbols

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/go-delve/vmi/pkg/guest"
	"github.com/go-delve/vmi/pkg/pe"
)

var testCodeView = &pe.CodeView{
	GUID:    uuid.MustParse("3844dbb9-2017-4967-be7a-a4a2c20430fa"),
	Age:     1,
	PDBName: `d:\os\obj\ntdll.pdb`,
}

const testKey = "3844DBB920174967BE7AA4A2C20430FA1"

func TestLocateSymbolPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	pdb := buildPDB([]uint32{0x1000}, []testPublic{{1, 0x234, "RtlAllocateHeap"}})
	require.NoError(t, afero.WriteFile(fs, filepath.Join("/sym2", "ntdll.pdb", testKey, "ntdll.pdb"), pdb, 0o644))

	l := NewLocator(fs, []string{"/sym1", "/sym2"}, nil)
	data, err := l.Locate(testCodeView)
	require.NoError(t, err)
	require.Equal(t, pdb, data)

	e := New(nil)
	e.SetLocator(l)
	span := guest.Span{Addr: 0x7ffa00000000, Size: 0x200000}
	require.NoError(t, e.LoadModule("ntdll", span, testCodeView))
	addr, ok := e.Symbol("ntdll", "RtlAllocateHeap")
	require.True(t, ok)
	require.Equal(t, uint64(0x7ffa00001234), addr)

	require.Equal(t, StoreExistsError{"ntdll"}, e.LoadModule("ntdll", span, testCodeView))
}

func TestInsertCodeView(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, filepath.Join("/sym", "ntdll.pdb", testKey, "ntdll.pdb"), []byte("1000 RtlAllocateHeap\n"), 0o644))
	e := New(nil)
	e.SetLocator(NewLocator(fs, []string{"/sym"}, nil))

	var rsds []byte
	rsds = append(rsds, "RSDS"...)
	g := testCodeView.GUID
	rsds = append(rsds, g[3], g[2], g[1], g[0], g[5], g[4], g[7], g[6])
	rsds = append(rsds, g[8:]...)
	rsds = append(rsds, 1, 0, 0, 0)
	rsds = append(rsds, testCodeView.PDBName...)
	rsds = append(rsds, 0)

	require.NoError(t, e.Insert("ntdll", guest.Span{Addr: 0x7ffa00000000, Size: 0x200000}, rsds))
	addr, ok := e.Symbol("ntdll", "RtlAllocateHeap")
	require.True(t, ok)
	require.Equal(t, uint64(0x7ffa00001000), addr)
}

func TestLocateNotFound(t *testing.T) {
	l := NewLocator(afero.NewMemMapFs(), []string{"/sym"}, nil)
	_, err := l.Locate(testCodeView)
	require.True(t, errors.Is(err, ErrStoreNotFound))
}

func TestLocateServer(t *testing.T) {
	pdb := buildPDB([]uint32{0x1000}, []testPublic{{1, 0, "NtClose"}})
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.URL.Path != "/symbols/ntdll.pdb/"+testKey+"/ntdll.pdb" {
			http.NotFound(w, r)
			return
		}
		w.Write(pdb)
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	l := NewLocator(fs, nil, nil)
	l.Server = srv.URL + "/symbols/"
	l.Cache = "/cache"

	data, err := l.Locate(testCodeView)
	require.NoError(t, err)
	require.Equal(t, pdb, data)
	ok, err := afero.Exists(fs, filepath.Join("/cache", "ntdll.pdb", testKey, "ntdll.pdb"))
	require.NoError(t, err)
	require.True(t, ok)

	// served from the cache
	_, err = l.Locate(testCodeView)
	require.NoError(t, err)
	require.Equal(t, 1, requests)

	missing := *testCodeView
	missing.Age = 2
	_, err = l.Locate(&missing)
	require.True(t, errors.Is(err, ErrStoreNotFound))
}

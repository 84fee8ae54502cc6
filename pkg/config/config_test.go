package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigDecodes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeDefaultConfig(&buf))
	c, err := Read(&buf)
	require.NoError(t, err)
	require.Empty(t, c.SymbolPath)
	require.Equal(t, DefaultTranslationCacheSize, c.GetTranslationCacheSize())
	require.Equal(t, DefaultCallstackDepth, c.GetCallstackDepth())
	require.Equal(t, DefaultTraceStackArgs, c.GetTraceStackArgs())
}

func TestReadOverrides(t *testing.T) {
	c, err := Read(strings.NewReader(`
symbol-path: ["/srv/symbols", "/tmp/sym"]
symbol-server: http://localhost:8080
translation-cache-size: 0
nt-offsets:
  EPROCESS.UniqueProcessId: 0x2e8
callstack-depth: 12
trace-stack-args: 0
`))
	require.NoError(t, err)
	require.Equal(t, []string{"/srv/symbols", "/tmp/sym"}, c.SymbolPath)
	require.Equal(t, "http://localhost:8080", c.SymbolServer)
	require.Equal(t, 0, c.GetTranslationCacheSize())
	require.Equal(t, uint64(0x2e8), c.NTOffsets["EPROCESS.UniqueProcessId"])
	require.Equal(t, 12, c.GetCallstackDepth())
	require.Equal(t, 0, c.GetTraceStackArgs())
}

func TestReadInvalid(t *testing.T) {
	_, err := Read(strings.NewReader("symbol-path: {"))
	require.Error(t, err)
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("VMI_CONFIG_DIR", dir)

	c := LoadConfig()
	require.NotNil(t, c)
	_, err := os.Stat(filepath.Join(dir, configFile))
	require.NoError(t, err)

	depth := 7
	c.CallstackDepth = &depth
	require.NoError(t, SaveConfig(c))
	require.Equal(t, 7, LoadConfig().GetCallstackDepth())
}

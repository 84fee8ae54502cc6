package version

import (
	"runtime/debug"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abcdef"}
	require.Equal(t, "Version: 1.2.3-rc1\nBuild: abcdef", v.String())

	v = Version{Major: "1", Minor: "2", Patch: "3", Build: "$Id$"}
	require.True(t, strings.HasPrefix(v.String(), "Version: 1.2.3\nBuild: "))
}

func TestWriteModules(t *testing.T) {
	info := &debug.BuildInfo{
		Main: debug.Module{Path: "github.com/go-delve/vmi", Version: "(devel)"},
		Deps: []*debug.Module{
			{Path: "github.com/spf13/cobra", Version: "v1.9.1"},
			{Path: "golang.org/x/arch", Version: "v0.11.0", Replace: &debug.Module{Path: "../arch"}},
		},
	}
	var sb strings.Builder
	writeModules(&sb, info)
	lines := strings.Split(strings.TrimSuffix(sb.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, []string{"main", "github.com/go-delve/vmi", "(devel)"}, strings.Fields(lines[0]))
	require.Equal(t, []string{"dep", "github.com/spf13/cobra", "v1.9.1"}, strings.Fields(lines[1]))
	require.Equal(t, []string{"dep", "golang.org/x/arch", "=>", "../arch", "-"}, strings.Fields(lines[2]))
}

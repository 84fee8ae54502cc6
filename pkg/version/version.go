package version

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
	"strings"
	"text/tabwriter"
)

// Version represents the current version of vmi.
type Version struct {
	Major    string
	Minor    string
	Patch    string
	Metadata string
	Build    string
}

// VMIVersion is the current version of vmi.
var VMIVersion = Version{
	Major: "0", Minor: "3", Patch: "0", Metadata: "",
	Build: "$Id$",
}

func (v Version) String() string {
	fixBuild(&v)
	ver := fmt.Sprintf("Version: %s.%s.%s", v.Major, v.Minor, v.Patch)
	if v.Metadata != "" {
		ver += "-" + v.Metadata
	}
	return fmt.Sprintf("%s\nBuild: %s", ver, v.Build)
}

// BuildInfo returns the Go version and the modules vmi was built with.
func BuildInfo() string {
	var sb strings.Builder
	sb.WriteString(runtime.Version())
	sb.WriteByte('\n')
	info, ok := debug.ReadBuildInfo()
	if !ok {
		sb.WriteString("no module information\n")
		return sb.String()
	}
	writeModules(&sb, info)
	return sb.String()
}

// writeModules writes one aligned row per module, the main module first.
// Replaced dependencies show the replacement path and version.
func writeModules(w io.Writer, info *debug.BuildInfo) {
	tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)
	row := func(kind string, m *debug.Module) {
		path, ver := m.Path, m.Version
		if m.Replace != nil {
			path = m.Path + " => " + m.Replace.Path
			ver = m.Replace.Version
		}
		if ver == "" {
			ver = "-"
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", kind, path, ver)
	}
	row("main", &info.Main)
	for _, dep := range info.Deps {
		row("dep", dep)
	}
	tw.Flush()
}

func fixBuild(v *Version) {
	// Git ident expansion sets Build, otherwise use the vcs stamp.
	if !strings.HasPrefix(v.Build, "$Id$") {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			v.Build = setting.Value
			return
		}
	}
}

// Package version reports the build version of notebookx.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

const defaultModule = "pkt.systems/notebookx"

// buildVersion is set via -ldflags "-X pkt.systems/notebookx/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Module    string `json:"module"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Revision  string `json:"revision,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
}

// String renders the build on one line.
func (i Info) String() string {
	out := i.Module + " " + i.Version
	if i.Revision != "" {
		rev := i.Revision
		if len(rev) > 12 {
			rev = rev[:12]
		}
		out += " (" + rev + ")"
	}
	return fmt.Sprintf("%s %s", out, i.GoVersion)
}

// vcs holds the version control stamp of the binary.
type vcs struct {
	revision string
	at       time.Time
	modified bool
}

type buildState struct {
	module  string
	version string
	vcs     vcs
}

var readBuild = sync.OnceValue(func() buildState {
	state := buildState{module: defaultModule}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return state
	}
	if path := strings.TrimSpace(info.Main.Path); path != "" {
		state.module = path
	}
	if v := strings.TrimSpace(info.Main.Version); v != "(devel)" {
		state.version = v
	}
	state.vcs = vcsOf(info)
	return state
})

// Build returns the full build description.
func Build() Info {
	state := readBuild()
	return Info{
		Module:    state.module,
		Version:   resolve(state, true),
		GoVersion: runtime.Version(),
		Revision:  state.vcs.revision,
		Modified:  state.vcs.modified,
	}
}

// resolve prefers the linker-stamped version, then the module version, then a pseudo
// version from the vcs stamp.
func resolve(state buildState, dirty bool) string {
	for _, candidate := range []string{buildVersion, state.version} {
		if v := strings.TrimSpace(candidate); v != "" {
			if !dirty {
				v = strings.TrimSuffix(v, "+dirty")
			}
			return v
		}
	}
	if v := pseudoVersion(state.vcs, dirty); v != "" {
		return v
	}
	return "v0.0.0-unknown"
}

func vcsOf(info *debug.BuildInfo) vcs {
	var out vcs
	if info == nil {
		return out
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.revision = setting.Value
		case "vcs.time":
			if at, err := time.Parse(time.RFC3339, setting.Value); err == nil {
				out.at = at
			}
		case "vcs.modified":
			out.modified = setting.Value == "true"
		}
	}
	return out
}

func pseudoVersion(stamp vcs, dirty bool) string {
	if stamp.revision == "" || stamp.at.IsZero() {
		return ""
	}
	rev := stamp.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + stamp.at.UTC().Format("20060102150405") + "-" + rev
	if stamp.modified && dirty {
		v += "+dirty"
	}
	return v
}

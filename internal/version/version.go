// Package version holds build identification, stamped with -ldflags:
//
//	-X github.com/MEKXH/toolmesh/internal/version.Version=v0.3.0
//	-X github.com/MEKXH/toolmesh/internal/version.Commit=abc1234
package version

import "runtime/debug"

var (
	Version = "dev"
	Commit  = ""
)

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
	if Commit == "" {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) >= 7 {
				Commit = s.Value[:7]
			}
		}
	}
}

// String is Version, followed by the short commit when known.
func String() string {
	if Commit == "" {
		return Version
	}
	return Version + " (" + Commit + ")"
}

// Package mboxvar provides the version of an mboxcache build, and helpers for
// opening databases that depend on how the binary runs.
package mboxvar

import (
	"runtime/debug"
)

// Version is set during init from the module version or the VCS revision of
// the build.
var Version = "(devel)"

func init() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if v := bi.Main.Version; v != "" && v != "(devel)" {
		Version = v
		return
	}
	settings := map[string]string{}
	for _, s := range bi.Settings {
		settings[s.Key] = s.Value
	}
	rev := settings["vcs.revision"]
	if rev == "" {
		return
	}
	Version = rev
	switch settings["vcs.modified"] {
	case "false":
	case "true":
		Version += "+modifications"
	default:
		Version += "+unknown"
	}
}

// Package buildinfo reports how the running binary was built.
package buildinfo

import (
	"fmt"
	"runtime/debug"
	"strings"
)

var readBuildInfo = debug.ReadBuildInfo

func settings() map[string]string {
	info, ok := readBuildInfo()
	if !ok || info == nil {
		return nil
	}
	out := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		out[s.Key] = s.Value
	}
	return out
}

// Version returns the module version. Development builds report "dev"
// followed by the short commit they were built from, if known.
func Version() string {
	info, ok := readBuildInfo()
	if !ok || info == nil {
		return "dev"
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	s := settings()
	rev := s["vcs.revision"]
	if rev == "" {
		return "dev"
	}
	rev = rev[:min(len(rev), 12)]
	if s["vcs.modified"] == "true" {
		rev += "+dirty"
	}
	return "dev-" + rev
}

// String formats the version with the Go release and any build tags.
func String() string {
	var extra []string
	if info, ok := readBuildInfo(); ok && info != nil && info.GoVersion != "" {
		extra = append(extra, info.GoVersion)
	}
	if tags := settings()["-tags"]; tags != "" {
		extra = append(extra, "tags: "+tags)
	}
	if len(extra) == 0 {
		return Version()
	}
	return fmt.Sprintf("%s (%s)", Version(), strings.Join(extra, ", "))
}

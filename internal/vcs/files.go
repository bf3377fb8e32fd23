package vcs

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MatchFile reports whether path, slash separated and relative to the tree
// root, is selected by any file id. A file id names a file, a directory
// (selecting everything below it) or a doublestar glob.
func MatchFile(path string, fileIDs []string) bool {
	for _, id := range fileIDs {
		if id == "" {
			continue
		}
		if path == id || strings.HasPrefix(path, strings.TrimSuffix(id, "/")+"/") {
			return true
		}
		if ok, _ := doublestar.Match(id, path); ok {
			return true
		}
	}
	return false
}

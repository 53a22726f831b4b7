package file

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FindWithExt walks dir and returns the regular files whose extension matches
// one of exts (case-insensitive, leading dot optional), sorted by path.
func FindWithExt(dir string, exts ...string) ([]string, error) {
	want := make(map[string]bool, len(exts))
	for _, ext := range exts {
		want["."+strings.TrimPrefix(strings.ToLower(ext), ".")] = true
	}

	var found []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && want[strings.ToLower(filepath.Ext(path))] {
			found = append(found, path)
		}
		return nil
	})
	sort.Strings(found)
	return found, err
}

package scanner

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FilterConfig defines which paths a scan walks into a backup. The rule
// is: any Exclude match removes a path immediately; if IncludePaths are
// defined, a file must match one of them, and if IncludeNames are
// defined, a path must also match one of those to survive.
type FilterConfig struct {
	IncludePaths []string `json:"includePaths"`
	ExcludePaths []string `json:"excludePaths"`

	IncludeNames []string `json:"includeNames"`
	ExcludeNames []string `json:"excludeNames"`

	NewerThan *time.Time `json:"newerThan,omitempty"`
	OlderThan *time.Time `json:"olderThan,omitempty"`

	MinSize int64 `json:"minSize"`
	MaxSize int64 `json:"maxSize"` // -1 means no upper bound
}

// ShouldInclude reports whether path should be walked into the backup.
// For directories a false IncludePaths match does not exclude outright,
// since a deeper child path may still match.
func (fc *FilterConfig) ShouldInclude(path string, info os.FileInfo) bool {
	for _, excludePath := range fc.ExcludePaths {
		if strings.HasPrefix(path, excludePath) {
			return false
		}
	}

	name := info.Name()
	for _, excludeName := range fc.ExcludeNames {
		if matched, err := filepath.Match(excludeName, name); err == nil && matched {
			return false
		}
	}

	modTime := info.ModTime()
	if fc.OlderThan != nil && !modTime.Before(*fc.OlderThan) {
		return false
	}
	if fc.NewerThan != nil && !modTime.After(*fc.NewerThan) {
		return false
	}

	if !info.IsDir() {
		size := info.Size()
		if fc.MinSize > 0 && size < fc.MinSize {
			return false
		}
		if fc.MaxSize != -1 && fc.MaxSize != 0 && size > fc.MaxSize {
			return false
		}
	}

	hasIncludeRules := len(fc.IncludePaths) > 0 || len(fc.IncludeNames) > 0
	if !hasIncludeRules {
		return true
	}

	if len(fc.IncludePaths) > 0 {
		pathIncluded := false
		for _, includePath := range fc.IncludePaths {
			if strings.HasPrefix(path, includePath) {
				pathIncluded = true
				break
			}
		}
		if !pathIncluded && !info.IsDir() {
			return false
		}
	}

	if len(fc.IncludeNames) > 0 {
		nameIncluded := false
		for _, includeName := range fc.IncludeNames {
			if matched, err := filepath.Match(includeName, name); err == nil && matched {
				nameIncluded = true
				break
			}
		}
		if !nameIncluded {
			return false
		}
	}

	return true
}

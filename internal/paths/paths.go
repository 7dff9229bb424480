// Package paths enforces path safety for file transfer and implements the
// scan-phase exclude rules. Every path received over the wire is relative
// to the site root; anything that escapes the root is rejected.
package paths

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/lherron/siteporter/internal/domain"
)

// CheckRelative validates that rel is a safe relative path: non-empty, not
// absolute, and not escaping the root after lexical cleaning. Returns the
// cleaned path on success.
func CheckRelative(rel string) (string, error) {
	if rel == "" {
		return "", &domain.PathViolationError{Path: rel, Reason: "empty path"}
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return "", &domain.PathViolationError{Path: rel, Reason: "absolute path"}
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", &domain.PathViolationError{Path: rel, Reason: "escapes root"}
	}
	if strings.Contains(clean, "\x00") {
		return "", &domain.PathViolationError{Path: rel, Reason: "NUL byte in path"}
	}
	return clean, nil
}

// Resolve joins rel onto root, validating lexically with CheckRelative and
// then physically: if any existing ancestor of the result is a symlink that
// leads outside root, the path is rejected. This catches a symlinked
// directory planted inside the root pointing elsewhere.
func Resolve(root, rel string) (string, error) {
	clean, err := CheckRelative(rel)
	if err != nil {
		return "", err
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	target := filepath.Join(rootAbs, clean)

	// Walk down from root, resolving each existing component. Components
	// that don't exist yet can't be symlinks.
	resolved, err := resolveExisting(rootAbs, clean)
	if err != nil {
		return "", err
	}
	if resolved != rootAbs && !strings.HasPrefix(resolved, rootAbs+string(filepath.Separator)) {
		return "", &domain.PathViolationError{Path: rel, Reason: "symlink escapes root"}
	}
	return target, nil
}

// resolveExisting resolves the longest existing prefix of root/rel through
// symlinks and returns its real location.
func resolveExisting(rootAbs, rel string) (string, error) {
	cur := rootAbs
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		next := filepath.Join(cur, part)
		real, err := filepath.EvalSymlinks(next)
		if err != nil {
			if os.IsNotExist(err) {
				// Remaining components don't exist; the resolved prefix
				// decides containment.
				return filepath.Join(cur, part), nil
			}
			return "", err
		}
		cur = real
	}
	return cur, nil
}

// ExcludeRules is the scan-phase denylist: directory/path prefixes, file
// extensions, and exact base names to leave out of the manifest.
type ExcludeRules struct {
	PathPrefixes []string
	Extensions   []string
	Names        []string
}

// DefaultExcludes covers transient and environment-specific files that
// never belong in a migration.
func DefaultExcludes() ExcludeRules {
	return ExcludeRules{
		PathPrefixes: []string{"cache/", "tmp/", "upgrade/"},
		Extensions:   []string{".log", ".tmp", ".swp"},
		Names:        []string{".DS_Store", "Thumbs.db", "error_log", "debug.log"},
	}
}

// Excluded reports whether rel (a slash-separated relative path) matches
// any rule.
func (r ExcludeRules) Excluded(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, p := range r.PathPrefixes {
		if strings.HasPrefix(rel, p) {
			return true
		}
	}
	base := rel
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		base = rel[i+1:]
	}
	for _, n := range r.Names {
		if base == n {
			return true
		}
	}
	for _, e := range r.Extensions {
		if strings.HasSuffix(base, e) {
			return true
		}
	}
	return false
}

// Package pathguard confines path-shaped tool arguments to a tool's
// allow-list of path prefixes.
package pathguard

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Strob0t/toolgate/internal/domain"
)

// PathKeys are the argument names treated as paths.
var PathKeys = []string{
	"path", "file", "files", "dir", "directory",
	"cwd", "root", "source", "destination", "target",
}

// Allowed reports whether candidate is inside allowlist.
//
// An empty allow-list permits everything. Absolute candidates must sit
// under an absolute entry. Relative candidates containing a ".." segment
// are always rejected; otherwise they are allowed under a "." entry or
// when equal to, or nested under, a relative entry.
func Allowed(candidate string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}

	if isAbs(candidate) {
		c := clean(candidate)
		for _, entry := range allowlist {
			if !isAbs(entry) {
				continue
			}
			if within(c, clean(entry)) {
				return true
			}
		}
		return false
	}

	for _, part := range strings.FieldsFunc(candidate, isSep) {
		if part == ".." {
			return false
		}
	}
	c := clean(candidate)
	for _, entry := range allowlist {
		if isAbs(entry) {
			continue
		}
		e := clean(entry)
		if e == "." || within(c, e) {
			return true
		}
	}
	return false
}

// Extract returns the path-shaped values in args, sorted by key so that
// violations are reported deterministically.
func Extract(args map[string]any) []string {
	keys := make([]string, 0, len(PathKeys))
	for _, k := range PathKeys {
		if _, ok := args[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var out []string
	for _, k := range keys {
		switch v := args[k].(type) {
		case string:
			out = append(out, v)
		case []string:
			out = append(out, v...)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

// Check validates every path-shaped argument. When strict is set an empty
// allow-list blocks any path argument instead of permitting it.
func Check(args map[string]any, allowlist []string, strict bool) error {
	paths := Extract(args)
	if len(paths) == 0 {
		return nil
	}
	if len(allowlist) == 0 && strict {
		return fmt.Errorf("%w: %s (tool declares no allowed paths)", domain.ErrPathBlocked, paths[0])
	}
	for _, p := range paths {
		if !Allowed(p, allowlist) {
			return fmt.Errorf("%w: %s", domain.ErrPathBlocked, p)
		}
	}
	return nil
}

func isSep(r rune) bool { return r == '/' || r == '\\' }

func isAbs(p string) bool {
	return strings.HasPrefix(p, "/") || filepath.IsAbs(p)
}

func clean(p string) string {
	return path.Clean(filepath.ToSlash(p))
}

func within(candidate, prefix string) bool {
	if candidate == prefix {
		return true
	}
	if prefix == "/" {
		return strings.HasPrefix(candidate, "/")
	}
	return strings.HasPrefix(candidate, prefix+"/")
}

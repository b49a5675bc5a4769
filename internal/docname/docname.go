// Package docname validates and resolves document names derived from a
// client's request path: relative names map under the configured base
// directory, rooted names are used verbatim, and traversal segments are
// rejected outright.
package docname

import (
	"path/filepath"
	"regexp"
	"strings"
)

const MaxNameLength = 1024

var (
	rootedPattern   = regexp.MustCompile(`^/[\w\-./]+$`)
	relativePattern = regexp.MustCompile(`^[\w\-./]+$`)
)

// Validate reports whether name is an acceptable document name: non-empty,
// at most MaxNameLength bytes, containing no ".." segment, and matching
// either the rooted or the relative pattern (a relative name must not begin
// with a backslash).
func Validate(name string) bool {
	if name == "" || len(name) > MaxNameLength {
		return false
	}
	if strings.HasPrefix(name, `\`) {
		return false
	}
	if containsDotDotSegment(name) {
		return false
	}
	if strings.HasPrefix(name, "/") {
		return rootedPattern.MatchString(name)
	}
	return relativePattern.MatchString(name)
}

func containsDotDotSegment(name string) bool {
	normalized := strings.ReplaceAll(name, "\\", "/")
	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// IsRooted reports whether name is a rooted (absolute) path, used verbatim
// in filesystem mode rather than joined under a base directory.
func IsRooted(name string) bool {
	return strings.HasPrefix(name, "/")
}

// WithExtension appends ext (e.g. ".md") to name unless name already ends in
// one of the configured extensions or is a rooted path carrying its own
// suffix already.
func WithExtension(name string, extensions []string, defaultExt string) string {
	for _, ext := range extensions {
		if strings.HasSuffix(name, ext) {
			return name
		}
	}
	if IsRooted(name) && filepath.Ext(name) != "" {
		return name
	}
	return name + defaultExt
}

// ResolveFilePath resolves a validated, extension-qualified document name to
// an on-disk path: rooted names are used verbatim, relative names are joined
// under baseDir.
func ResolveFilePath(baseDir, name string) string {
	if IsRooted(name) {
		return name
	}
	return filepath.Join(baseDir, name)
}

// FlattenForSnapshot derives a filesystem-safe file name for the snapshot
// slot by replacing path separators, so nested document names share one
// flat snapshot directory.
func FlattenForSnapshot(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", string(filepath.Separator), "_")
	flattened := r.Replace(name)
	flattened = strings.TrimPrefix(flattened, "_")
	if flattened == "" {
		flattened = "_root_"
	}
	return flattened
}

// StripPrefix removes pathPrefix from requestPath (if present) and the
// leading slash, returning the raw document name candidate. It does not
// URL-decode; the caller decodes the result before passing it to Validate.
func StripPrefix(requestPath, pathPrefix string) string {
	p := requestPath
	if pathPrefix != "" && strings.HasPrefix(p, pathPrefix) {
		p = strings.TrimPrefix(p, pathPrefix)
	}
	return strings.TrimPrefix(p, "/")
}

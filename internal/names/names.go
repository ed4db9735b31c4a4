// Package names normalizes the user supplied names that end up in storage paths.
package names

import (
	"strings"

	"github.com/gosimple/slug"
)

// Sanitize converts a free-form name into a lowercase identifier made of
// letters, digits and underscores (e.g. "Clean Cells" -> "clean_cells").
func Sanitize(name string) string {
	return strings.ReplaceAll(slug.Make(name), "-", "_")
}

// NormalizeBranch replaces path separators in a branch name so that it maps to
// a single storage path segment (e.g. "feature/x" -> "feature.x").
// "a/b" and "a.b" normalize to the same value.
func NormalizeBranch(branch string) string {
	return strings.NewReplacer("/", ".", `\`, ".").Replace(branch)
}

package filestage

import (
	"strings"

	"github.com/me/gowe/internal/vfsuri"
)

// PruneSecondaryFiles implements a post-materialize secondary-file pruning
// pass: remove any secondaryFiles entry whose basename or location still
// contains an unresolved expression, or whose location is neither a store
// location, synthetic, a Directory, nor an existing local file. exists is
// called only for plain file:// / bare-path locations.
func PruneSecondaryFiles(obj map[string]any, exists func(path string) bool) {
	sfs, ok := obj["secondaryFiles"].([]any)
	if !ok {
		return
	}
	kept := make([]any, 0, len(sfs))
	for _, raw := range sfs {
		child, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if shouldKeepSecondaryFile(child, exists) {
			kept = append(kept, child)
		}
	}
	if len(kept) == 0 {
		delete(obj, "secondaryFiles")
		return
	}
	obj["secondaryFiles"] = kept
}

func shouldKeepSecondaryFile(obj map[string]any, exists func(path string) bool) bool {
	basename, _ := obj["basename"].(string)
	loc, _ := obj["location"].(string)

	if hasUnresolvedExpression(basename) || hasUnresolvedExpression(loc) {
		return false
	}

	if obj["class"] == "Directory" {
		return true
	}
	if vfsuri.IsStoreLocation(loc) || vfsuri.IsSynthetic(loc) {
		return true
	}
	path := strings.TrimPrefix(loc, "file://")
	if path == "" {
		return false
	}
	if exists == nil {
		return true
	}
	return exists(path)
}

func hasUnresolvedExpression(s string) bool {
	return strings.Contains(s, "$(") || strings.Contains(s, "${")
}

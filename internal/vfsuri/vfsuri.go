// Package vfsuri implements the virtual URI scheme and directory encoding used
// to address files and directory trees by content identity across hosts:
// toilfile:<id>, toildir:<base64-json>[/<subpath>], _:<anon>, file://, and any
// scheme a job store understands (s3://, http://, ...).
package vfsuri

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

const (
	SchemeToilFile = "toilfile"
	SchemeToilDir  = "toildir"
	SchemeAnon     = "_"
	SchemeFile     = "file"
)

// FileRef is a tagged File reference.
type FileRef struct {
	Class          string    `json:"class"`
	Location       string    `json:"location"`
	Basename       string    `json:"basename,omitempty"`
	Size           *int64    `json:"size,omitempty"`
	Checksum       string    `json:"checksum,omitempty"`
	Contents       string    `json:"contents,omitempty"`
	SecondaryFiles []any     `json:"secondaryFiles,omitempty"`
	Streamable     bool      `json:"streamable,omitempty"`
	Format         string    `json:"format,omitempty"`
}

// DirRef is a tagged Directory reference.
type DirRef struct {
	Class    string `json:"class"`
	Location string `json:"location,omitempty"`
	Basename string `json:"basename,omitempty"`
	Listing  []any  `json:"listing,omitempty"`
}

// ParseScheme extracts the scheme from a location URI, e.g.
// ("toilfile", "abc123") for "toilfile:abc123", ("", raw) for bare strings.
func ParseScheme(location string) (scheme, rest string) {
	if i := strings.Index(location, ":"); i > 0 {
		candidate := location[:i]
		// Distinguish "scheme:rest" from "C:\path"-like or bare strings by
		// requiring the scheme to be one we recognize, or to be followed by "//".
		if strings.HasPrefix(location[i:], "://") || isKnownScheme(candidate) {
			return candidate, location[i+1:]
		}
	}
	return "", location
}

func isKnownScheme(s string) bool {
	switch s {
	case SchemeToilFile, SchemeToilDir, SchemeAnon, SchemeFile, "http", "https", "s3", "ws", "shock":
		return true
	}
	return false
}

// IsSynthetic reports whether a location is the anonymous "_:" scheme, which
// has no backing bytes.
func IsSynthetic(location string) bool {
	return strings.HasPrefix(location, SchemeAnon+":")
}

// IsStoreLocation reports whether a location is already a toilfile:/toildir:/_:
// reference and therefore needs no further import.
func IsStoreLocation(location string) bool {
	scheme, _ := ParseScheme(location)
	return scheme == SchemeToilFile || scheme == SchemeToilDir || scheme == SchemeAnon
}

// DirContents is the recursive name->(string URI | DirContents) mapping that a
// toildir: URI encodes. Values are either string (a file's location) or
// *DirContents (a nested directory).
type DirContents map[string]any

// CheckDirectoryInvariants rejects directory content maps with empty-string
// keys, recursing into nested directories. Non-string children are not type
// errors here (encoded as string | map[string]any after JSON round-trip).
func CheckDirectoryInvariants(contents DirContents) error {
	for name, child := range contents {
		if name == "" {
			return fmt.Errorf("vfsuri: directory contents may not contain an empty-string name")
		}
		if nested, ok := asDirContents(child); ok {
			if err := CheckDirectoryInvariants(nested); err != nil {
				return err
			}
		}
	}
	return nil
}

func asDirContents(v any) (DirContents, bool) {
	switch m := v.(type) {
	case DirContents:
		return m, true
	case map[string]any:
		return DirContents(m), true
	default:
		return nil, false
	}
}

// EncodeDirectory serializes contents as JSON with deterministically sorted
// keys at every level, then url-safe-base64 encodes it, producing
// "toildir:<b64>". Deterministic: the same contents always yields the same URI.
func EncodeDirectory(contents DirContents) (string, error) {
	if err := CheckDirectoryInvariants(contents); err != nil {
		return "", err
	}
	data, err := marshalSorted(contents)
	if err != nil {
		return "", fmt.Errorf("vfsuri: encode directory: %w", err)
	}
	b64 := base64.URLEncoding.EncodeToString(data)
	return SchemeToilDir + ":" + b64, nil
}

// marshalSorted JSON-encodes a DirContents tree with map keys in sorted order
// at every level, so that equal contents always produce byte-identical output
// regardless of Go's randomized map iteration order.
func marshalSorted(contents DirContents) ([]byte, error) {
	names := make([]string, 0, len(contents))
	for name := range contents {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		b.Write(key)
		b.WriteByte(':')
		switch v := contents[name].(type) {
		case string:
			val, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			b.Write(val)
		default:
			nested, ok := asDirContents(v)
			if !ok {
				return nil, fmt.Errorf("vfsuri: directory entry %q is neither a string nor a directory map", name)
			}
			sub, err := marshalSorted(nested)
			if err != nil {
				return nil, err
			}
			b.Write(sub)
		}
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// DecodeDirectory parses a toildir: URI, returning the contents map, the
// optional subpath following the first "/" after the base64 blob, and the
// base64 blob itself (usable as a cache deduplication key).
func DecodeDirectory(uri string) (contents DirContents, subpath string, cacheKey string, err error) {
	scheme, rest := ParseScheme(uri)
	if scheme != SchemeToilDir {
		return nil, "", "", fmt.Errorf("vfsuri: not a toildir: URI: %q", uri)
	}
	blob := rest
	if idx := strings.Index(rest, "/"); idx >= 0 {
		blob = rest[:idx]
		subpath = rest[idx+1:]
	}
	data, derr := base64.URLEncoding.DecodeString(blob)
	if derr != nil {
		return nil, "", "", fmt.Errorf("vfsuri: decode directory base64: %w", derr)
	}
	var raw map[string]any
	if jerr := json.Unmarshal(data, &raw); jerr != nil {
		return nil, "", "", fmt.Errorf("vfsuri: decode directory json: %w", jerr)
	}
	contents = DirContents(raw)
	if err := CheckDirectoryInvariants(contents); err != nil {
		return nil, "", "", err
	}
	return contents, subpath, blob, nil
}

// ErrStagingConflict is returned by EnsureNoCollisions. Its message format
// is stable so diagnostics and tests can match on the substring "File
// staging conflict".
type ErrStagingConflict struct {
	Name        string
	Description string
}

func (e *ErrStagingConflict) Error() string {
	return fmt.Sprintf("File staging conflict: Duplicate entries for %q prevent actually creating %s", e.Name, e.Description)
}

// EnsureNoCollisions rejects a Directory listing containing two entries with
// the same basename. It does not recurse into subdirectories: each directory
// level is checked independently by its own caller.
func EnsureNoCollisions(directory map[string]any, dirDescription string) error {
	if dirDescription == "" {
		if bn, ok := directory["basename"].(string); ok {
			dirDescription = bn
		} else {
			dirDescription = "a directory"
		}
	}
	listing, _ := directory["listing"].([]any)
	seen := make(map[string]bool, len(listing))
	for _, item := range listing {
		child, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, ok := child["basename"].(string)
		if !ok {
			continue
		}
		if seen[name] {
			return &ErrStagingConflict{Name: name, Description: dirDescription}
		}
		seen[name] = true
	}
	return nil
}

// FSAccess is the filesystem-access collaborator exposed to the tool
// runtime: it must accept any of the virtual URI schemes above as well as
// file:// and job-store-supported schemes. Write modes are rejected by
// contract — there is deliberately no Write/Create method.
type FSAccess interface {
	Open(path string) (io.ReadCloser, error)
	Exists(path string) bool
	IsFile(path string) bool
	IsDir(path string) bool
	Size(path string) (int64, error)
	Glob(pattern string) ([]string, error)
	// ListDir returns a one-level listing of File/Directory objects (each a
	// map[string]any with at least "class", "location", "basename").
	ListDir(path string) ([]any, error)
	Realpath(path string) (string, error)
	Join(elem ...string) string
}

// RemoveEmptyListings strips "listing": [] from Directory objects that have
// not actually been listed yet, so an empty-but-unlisted directory is not
// confused with a directory known to be empty. A Directory carries
// class=="Directory"; only its own listing key is touched, non-recursively by
// the direct caller (callers typically recurse via a generic walk first).
func RemoveEmptyListings(obj map[string]any) {
	if obj["class"] != "Directory" {
		return
	}
	if listing, ok := obj["listing"].([]any); ok && len(listing) == 0 {
		delete(obj, "listing")
	}
}

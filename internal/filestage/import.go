package filestage

import (
	"context"
	"fmt"
	"strings"

	"github.com/me/gowe/internal/vfsuri"
)

// ImportOptions configures the import pass.
type ImportOptions struct {
	SkipBroken bool // leave a missing local file's location alone instead of failing
	SkipRemote bool // leave non-file:// remote URIs alone instead of fetching them
}

// importState carries the bidirectional dedup maps across one import walk:
// index maps an external URI to the toil URI it was uploaded as; existing
// maps a toil URI back to the original external URI it came from.
type importState struct {
	index    map[string]string
	existing map[string]string
}

// Import recursively visits a CWL File/Directory object graph (represented
// as map[string]any, matching pkg/cwl's loose document shape), uploading any
// not-yet-store location into store and rewriting it to a toilfile:/toildir:
// URI. It implements a two-phase descend/ascend algorithm: descend populates
// directory listings that are empty/absent from the filesystem-access
// collaborator; ascend uploads files and folds child results into their
// parent directory's encoded contents.
func Import(ctx context.Context, store JobStore, fs vfsuri.FSAccess, obj map[string]any, opts ImportOptions) error {
	st := &importState{index: map[string]string{}, existing: map[string]string{}}
	return importNode(ctx, store, fs, obj, opts, st)
}

func importNode(ctx context.Context, store JobStore, fs vfsuri.FSAccess, obj map[string]any, opts ImportOptions, st *importState) error {
	class, _ := obj["class"].(string)
	switch class {
	case "File":
		return importFile(ctx, store, obj, opts, st)
	case "Directory":
		return importDirectory(ctx, store, fs, obj, opts, st)
	}
	return nil
}

func importFile(ctx context.Context, store JobStore, obj map[string]any, opts ImportOptions, st *importState) error {
	loc, _ := obj["location"].(string)

	if loc == "" || vfsuri.IsStoreLocation(loc) {
		return importSecondaryFiles(ctx, store, nil, obj, opts, st)
	}

	if opts.SkipRemote && !strings.HasPrefix(loc, "file://") && !strings.HasPrefix(loc, "/") {
		return nil
	}

	id, err := writeFile(ctx, store, loc, st)
	if err != nil {
		if opts.SkipBroken {
			return nil
		}
		return fmt.Errorf("filestage: import file %s: %w", loc, err)
	}
	obj["location"] = id.URI()
	return importSecondaryFiles(ctx, store, nil, obj, opts, st)
}

func importSecondaryFiles(ctx context.Context, store JobStore, fs vfsuri.FSAccess, obj map[string]any, opts ImportOptions, st *importState) error {
	sfs, _ := obj["secondaryFiles"].([]any)
	for _, raw := range sfs {
		child, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if err := importNode(ctx, store, fs, child, opts, st); err != nil {
			return err
		}
	}
	return nil
}

// writeFile uploads a single external URI, consulting and updating the
// import state's dedup maps.
func writeFile(ctx context.Context, store JobStore, externalURI string, st *importState) (FileID, error) {
	if toilURI, ok := st.index[externalURI]; ok {
		scheme, rest := vfsuri.ParseScheme(toilURI)
		if scheme == vfsuri.SchemeToilFile {
			return FileID(rest), nil
		}
	}
	id, err := store.ImportFile(ctx, externalURI, false)
	if err != nil {
		return "", err
	}
	uri := id.URI()
	st.index[externalURI] = uri
	st.existing[uri] = externalURI
	return id, nil
}

// importDirectory implements the descend-then-ascend algorithm for a single
// Directory object: first populate its listing (if empty/absent and not
// synthetic) from the filesystem-access collaborator, preserving any
// already-resolved children; then recursively import each child and fold the
// results into an encoded toildir: URI.
func importDirectory(ctx context.Context, store JobStore, fs vfsuri.FSAccess, obj map[string]any, opts ImportOptions, st *importState) error {
	loc, _ := obj["location"].(string)
	if loc != "" && vfsuri.IsStoreLocation(loc) {
		return nil
	}

	listing, _ := obj["listing"].([]any)
	if len(listing) == 0 && loc != "" && !vfsuri.IsSynthetic(loc) && fs != nil {
		entries, err := fs.ListDir(loc)
		if err == nil {
			listing = entries
			obj["listing"] = listing
		}
	}

	contents := vfsuri.DirContents{}
	for _, raw := range listing {
		child, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if err := importNode(ctx, store, fs, child, opts, st); err != nil {
			return err
		}
		basename, _ := child["basename"].(string)
		if basename == "" {
			continue
		}
		childClass, _ := child["class"].(string)
		if childClass == "Directory" {
			childLoc, _ := child["location"].(string)
			if scheme, rest := vfsuri.ParseScheme(childLoc); scheme == vfsuri.SchemeToilDir {
				nested, _, _, derr := vfsuri.DecodeDirectory("toildir:" + rest)
				if derr == nil {
					contents[basename] = nested
					continue
				}
			}
			contents[basename] = vfsuri.DirContents{}
		} else {
			childLoc, _ := child["location"].(string)
			contents[basename] = childLoc
		}
	}

	if err := vfsuri.EnsureNoCollisions(obj, ""); err != nil {
		return err
	}

	uri, err := vfsuri.EncodeDirectory(contents)
	if err != nil {
		return fmt.Errorf("filestage: encode directory: %w", err)
	}
	obj["location"] = uri
	vfsuri.RemoveEmptyListings(obj)
	return nil
}

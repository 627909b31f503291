// Package pathmap builds the path-mapping table a tool job's sandbox is
// staged from: for every File/Directory reachable from a job order, where it
// resolves to on the host the job store can fetch from and where it should
// land in the job's working tree, honoring copy/link/create modes and
// detecting target collisions.
package pathmap

import (
	"fmt"
	"path"
	"strings"
)

// EntryType classifies a MapperEntry's staging action.
type EntryType int

const (
	File EntryType = iota
	CreateFile
	WritableFile
	CreateWritableFile
	Directory
	WritableDirectory
)

func (t EntryType) String() string {
	switch t {
	case File:
		return "File"
	case CreateFile:
		return "CreateFile"
	case WritableFile:
		return "WritableFile"
	case CreateWritableFile:
		return "CreateWritableFile"
	case Directory:
		return "Directory"
	case WritableDirectory:
		return "WritableDirectory"
	default:
		return "Unknown"
	}
}

// MapperEntry records one binding of a logical file/directory location to a
// concrete target path in the job's sandbox.
type MapperEntry struct {
	Resolved string // where to get the bytes from (host path, store URI, or literal contents)
	Target   string // absolute path inside the job's working tree
	Type     EntryType
	Staged   bool // whether this entry still needs separate staging (false if its parent directory copy already covers it)
}

// Node is the minimal shape pathmap needs to walk a File/Directory/Dirent
// tree. Callers adapt their own CWL object representation to this interface.
type Node struct {
	Class        string // "File" or "Directory"
	Location     string // resolved location/URI; empty for literal/create entries
	Contents     string // literal contents, for CreateFile/CreateWritableFile
	Basename     string
	Dirname      string // override for the target directory; empty uses stagedir
	Writable     bool   // WritableFile/WritableDirectory requested (not readonly)
	Listing      []*Node
	WholeCopy    bool // true if this directory will be fetched as a whole unit (children not staged individually)
	IsAnonymous  bool // true for "_:" synthetic entries
}

// Mapper accumulates the logicalLocation -> MapperEntry table across one or
// more Stage calls, tracking previously-seen directories (to avoid
// re-staging) and previously-used targets (to avoid collisions).
type Mapper struct {
	entries      map[string]*MapperEntry // keyed by logical location (or a synthesized key for anonymous/literal entries)
	seenDirs     map[string]bool         // logical locations of directories already recorded
	usedTargets  map[string]bool         // target paths already claimed, for collision detection
	anonCounter  int
}

// NewMapper creates an empty Mapper.
func NewMapper() *Mapper {
	return &Mapper{
		entries:     make(map[string]*MapperEntry),
		seenDirs:    make(map[string]bool),
		usedTargets: make(map[string]bool),
	}
}

// Entries returns the accumulated logicalLocation -> MapperEntry table.
func (m *Mapper) Entries() map[string]*MapperEntry {
	return m.entries
}

// Stage walks a root Node (and its listing, for directories) and records
// MapperEntry bindings for it and every descendant, targeting stagedir as the
// job's working-tree root.
func (m *Mapper) Stage(root *Node, stagedir string) error {
	_, err := m.stage(root, stagedir)
	return err
}

func (m *Mapper) stage(n *Node, stagedir string) (*MapperEntry, error) {
	if n == nil {
		return nil, nil
	}

	key := mapKey(n)

	switch n.Class {
	case "Directory":
		if n.IsAnonymous {
			entry := &MapperEntry{Resolved: "", Target: m.targetFor(n, stagedir), Type: WritableDirectory, Staged: true}
			m.claim(entry.Target)
			m.entries[key] = entry
			return entry, nil
		}

		// Directories already in the map stop recursion: prevents re-staging.
		if m.seenDirs[key] {
			return m.entries[key], nil
		}
		entryType := Directory
		if n.Writable {
			entryType = WritableDirectory
		}
		target := m.targetFor(n, stagedir)
		entry := &MapperEntry{Resolved: n.Location, Target: target, Type: entryType, Staged: true}
		m.claim(target)
		m.entries[key] = entry
		m.seenDirs[key] = true

		if n.WholeCopy {
			// The whole directory is fetched as one unit: children are not
			// separately staged, but we still record them (Staged=false) so
			// callers can locate their eventual paths under target.
			for _, child := range n.Listing {
				childTarget := path.Join(target, child.Basename)
				m.entries[mapKey(child)] = &MapperEntry{
					Resolved: child.Location,
					Target:   childTarget,
					Type:     childTypeFor(child),
					Staged:   false,
				}
			}
			return entry, nil
		}

		for _, child := range n.Listing {
			childStagedir := target
			if _, err := m.stageChild(child, childStagedir); err != nil {
				return nil, err
			}
		}
		return entry, nil

	default: // File
		return m.stageChild(n, stagedir)
	}
}

func (m *Mapper) stageChild(n *Node, stagedir string) (*MapperEntry, error) {
	if n.Class == "Directory" {
		return m.stage(n, stagedir)
	}

	target := m.targetFor(n, stagedir)
	target = m.dedupeTarget(target)

	entryType := File
	resolved := n.Location
	switch {
	case n.Contents != "" && n.Writable:
		entryType = CreateWritableFile
		resolved = n.Contents
	case n.Contents != "":
		entryType = CreateFile
		resolved = n.Contents
	case n.Writable:
		entryType = WritableFile
	}

	entry := &MapperEntry{Resolved: resolved, Target: target, Type: entryType, Staged: true}
	m.entries[mapKey(n)] = entry
	return entry, nil
}

// targetFor computes stagedir/basename, honoring a per-entry dirname override.
func (m *Mapper) targetFor(n *Node, stagedir string) string {
	dir := stagedir
	if n.Dirname != "" {
		dir = n.Dirname
	}
	return path.Join(dir, n.Basename)
}

// dedupeTarget renames a candidate target to target_2, target_3, ... until it
// no longer collides with any previously claimed target. Each colliding
// source gets its own distinct renamed target: the rename is computed and
// claimed per entry, inside this call, never deferred to run once after a
// loop.
func (m *Mapper) dedupeTarget(target string) string {
	if !m.usedTargets[target] {
		m.claim(target)
		return target
	}
	ext := path.Ext(target)
	base := strings.TrimSuffix(target, ext)
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s_%d%s", base, n, ext)
		if !m.usedTargets[candidate] {
			m.claim(candidate)
			return candidate
		}
	}
}

func (m *Mapper) claim(target string) {
	m.usedTargets[target] = true
}

func mapKey(n *Node) string {
	if n.Location != "" {
		return n.Location
	}
	// Anonymous/literal entries have no stable location; key by identity via
	// basename+dirname, which is unique enough within one Stage walk since
	// collisions on that pair are exactly what dedupeTarget already handles
	// for their targets.
	return "anon:" + n.Dirname + "/" + n.Basename
}

func childTypeFor(n *Node) EntryType {
	if n.Class == "Directory" {
		if n.Writable {
			return WritableDirectory
		}
		return Directory
	}
	if n.Contents != "" && n.Writable {
		return CreateWritableFile
	}
	if n.Contents != "" {
		return CreateFile
	}
	if n.Writable {
		return WritableFile
	}
	return File
}

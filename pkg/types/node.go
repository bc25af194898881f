package types

import (
	"time"
)

// ResourceKind identifies what a node projects from the remote catalog.
type ResourceKind string

const (
	ResourceRoot      ResourceKind = "root"
	ResourceCategory  ResourceKind = "category"
	ResourcePlaylist  ResourceKind = "playlist"
	ResourceTrack     ResourceKind = "track"
	ResourceUsersRoot ResourceKind = "users"
	ResourceUser      ResourceKind = "user"
	ResourceUserDir   ResourceKind = "userdir"
	ResourceUserLink  ResourceKind = "userlink"
)

// ResourceID is the opaque remote identity of a node. Category and UserDir
// resources carry their listing kind in Sub and the owning account in ID.
type ResourceID struct {
	Kind ResourceKind
	ID   string
	Sub  string
}

// Key is the stable string form used for cache keys and coalescing.
func (r ResourceID) Key() string {
	k := string(r.Kind) + ":" + r.ID
	if r.Sub != "" {
		k += ":" + r.Sub
	}
	return k
}

// NodeKind is the filesystem type of a node.
type NodeKind int

const (
	NodeDir NodeKind = iota
	NodeFile
	NodeSymlink
)

func (k NodeKind) String() string {
	switch k {
	case NodeDir:
		return "dir"
	case NodeFile:
		return "file"
	case NodeSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Descriptor is one resolved child of a directory, before it is named and
// placed in the namespace.
type Descriptor struct {
	Resource ResourceID
	Kind     NodeKind
	// Base is the display name before extension and disambiguation.
	Base string
	Ext  string
	// Target is set for symlinks.
	Target  string
	Facts   *TrackFacts
	ModTime time.Time
}

// Attr is the last-resolved attribute snapshot of a node.
type Attr struct {
	Size      int64
	SizeExact bool
	Mode      uint32
	ModTime   time.Time
}

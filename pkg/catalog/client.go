package catalog

import (
	"context"

	"github.com/beam-cloud/soundfs/pkg/types"
)

// Client is the remote catalog consumed by the resolver and the stream
// reader. Listing calls return one page; an empty cursor requests the first
// page and an empty Page.Next marks the last one.
//
// Errors are raw transport or *StatusError values; use Classify to map them
// onto the filesystem error taxonomy.
type Client interface {
	ListLikes(ctx context.Context, account, cursor string) (types.Page[types.TrackEntry], error)
	ListPlaylists(ctx context.Context, account, cursor string) (types.Page[types.PlaylistEntry], error)
	ListPlaylistTracks(ctx context.Context, playlistID, cursor string) (types.Page[types.TrackEntry], error)
	ListUserTracks(ctx context.Context, account, cursor string) (types.Page[types.TrackEntry], error)
	ListFollowing(ctx context.Context, account, cursor string) (types.Page[types.UserEntry], error)

	ResolveUser(ctx context.Context, permalink string) (types.UserEntry, error)
	GetTrackFacts(ctx context.Context, trackID string) (types.TrackFacts, error)
	ResolveStreamURL(ctx context.Context, trackID string) (types.StreamURL, error)

	// RangeFetch returns up to length bytes starting at offset. Fewer bytes
	// than requested means the end of the data was reached; an offset at or
	// past the end returns no bytes and no error.
	RangeFetch(ctx context.Context, url string, offset, length int64) ([]byte, error)
}

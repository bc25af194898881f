package common

import "fmt"

var (
	// Metadata cache keys
	dirListing  string = "dir:%s"   // resource key
	trackFacts  string = "track:%s" // track id
	dirPrefix   string = "dir:"
	trackPrefix string = "track:"

	// Coalescing keys
	streamURL  string = "stream:url:%s"         // track id
	rangeFetch string = "stream:range:%s:%d:%d" // track id, offset, length
	userLookup string = "user:%s"               // permalink
)

var Keys = &cacheKeys{}

type cacheKeys struct{}

// Metadata cache keys
func (ck *cacheKeys) DirListing(resourceKey string) string {
	return fmt.Sprintf(dirListing, resourceKey)
}

func (ck *cacheKeys) TrackFacts(trackId string) string {
	return fmt.Sprintf(trackFacts, trackId)
}

func (ck *cacheKeys) DirPrefix() string {
	return dirPrefix
}

func (ck *cacheKeys) TrackPrefix() string {
	return trackPrefix
}

// Coalescing keys
func (ck *cacheKeys) StreamURL(trackId string) string {
	return fmt.Sprintf(streamURL, trackId)
}

func (ck *cacheKeys) RangeFetch(trackId string, offset, length int64) string {
	return fmt.Sprintf(rangeFetch, trackId, offset, length)
}

func (ck *cacheKeys) UserLookup(permalink string) string {
	return fmt.Sprintf(userLookup, permalink)
}

package stream

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/dhowden/tag"
)

// Tags are fields parsed from the tag block at the head of a track.
type Tags struct {
	Format string
	Title  string
	Artist string
	Album  string
	Genre  string
	Year   int
	Track  int
}

// Fields returns the non-empty tags keyed by name.
func (t Tags) Fields() map[string]string {
	out := make(map[string]string, 7)
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set("format", t.Format)
	set("title", t.Title)
	set("artist", t.Artist)
	set("album", t.Album)
	set("genre", t.Genre)
	if t.Year > 0 {
		out["year"] = strconv.Itoa(t.Year)
	}
	if t.Track > 0 {
		out["track"] = strconv.Itoa(t.Track)
	}
	return out
}

// ProbeTags parses tags from the cached head of a track. It never fetches:
// when the head is not cached or does not hold the whole tag block it
// reports false.
func (r *Reader) ProbeTags(trackID string) (Tags, bool) {
	head := r.ranges.Head(trackID)
	if len(head) == 0 {
		return Tags{}, false
	}

	meta, err := tag.ReadFrom(bytes.NewReader(head))
	if err != nil {
		return Tags{}, false
	}
	n, _ := meta.Track()
	return Tags{
		Format: fmt.Sprint(meta.Format()),
		Title:  meta.Title(),
		Artist: meta.Artist(),
		Album:  meta.Album(),
		Genre:  meta.Genre(),
		Year:   meta.Year(),
		Track:  n,
	}, true
}

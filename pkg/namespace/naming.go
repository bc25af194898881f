package namespace

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/beam-cloud/soundfs/pkg/types"
)

const maxNameBytes = 200

// unsafeFilenameChars matches characters not allowed in file names on the
// platforms we mount on.
var unsafeFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// SanitizeName makes a display name safe for filesystem use. Leading dots are
// replaced so catalog entries never look like hidden files.
func SanitizeName(name string) string {
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, ".") {
		name = "_" + name[1:]
	}
	if name == "" {
		name = "unnamed"
	}
	if len(name) > maxNameBytes {
		cut := maxNameBytes
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = strings.TrimSpace(name[:cut])
	}
	return name
}

// TrackBase is the "<artist> - <title>" stem of a track file name.
func TrackBase(f *types.TrackFacts) string {
	switch {
	case f.Artist == "":
		return f.Title
	case f.Title == "":
		return f.Artist
	default:
		return f.Artist + " - " + f.Title
	}
}

func join(base, ext string) string {
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// AssignNames returns a display name per descriptor, unique within the
// slice. Names that collide (case-insensitively) all get the remote
// identifier appended, so the result does not depend on listing order.
func AssignNames(descs []types.Descriptor) []string {
	names := make([]string, len(descs))
	counts := make(map[string]int, len(descs))
	for i, d := range descs {
		names[i] = join(SanitizeName(d.Base), d.Ext)
		counts[strings.ToLower(names[i])]++
	}

	used := make(map[string]bool, len(descs))
	for i, d := range descs {
		if counts[strings.ToLower(names[i])] > 1 {
			names[i] = join(SanitizeName(d.Base)+" ["+SanitizeName(d.Resource.ID)+"]", d.Ext)
		}
	}
	for i, d := range descs {
		name := names[i]
		for n := 2; used[strings.ToLower(name)]; n++ {
			name = join(SanitizeName(d.Base)+" ["+SanitizeName(d.Resource.ID)+"-"+strconv.Itoa(n)+"]", d.Ext)
		}
		used[strings.ToLower(name)] = true
		names[i] = name
	}
	return names
}

// IsProbeName reports names that file managers and media indexers stat in
// every directory. No catalog entry can carry one: SanitizeName never yields
// a leading dot.
func IsProbeName(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	switch name {
	// Autorun and disc layout probes
	case "autorun.inf", "BDMV", "VIDEO_TS", "AUDIO_TS", "DCIM":
		return true
	// Windows shell metadata
	case "desktop.ini", "Thumbs.db", "folder.jpg", "Folder.jpg", "AlbumArtSmall.jpg":
		return true
	}
	// macOS resource files like "Icon\r"
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}

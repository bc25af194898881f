//go:build darwin

package filesystem

import (
	"os"
	"strings"
)

const libfuseEnv = "CGOFUSE_LIBFUSE_PATH"

// FUSE-T locations, checked in order. FUSE-T needs no kernel extension, so
// it wins over macFUSE whenever both are installed.
var fuseTCandidates = []string{
	"/opt/homebrew/lib/libfuse-t.dylib",
	"/usr/local/lib/libfuse-t.dylib",
	"/Library/Frameworks/fuse-t.framework/fuse-t",
}

func init() {
	if os.Getenv(libfuseEnv) != "" {
		return
	}
	for _, candidate := range fuseTCandidates {
		if _, err := os.Stat(candidate); err == nil {
			os.Setenv(libfuseEnv, candidate)
			return
		}
	}
}

func usingFuseT() bool {
	lib := os.Getenv(libfuseEnv)
	return strings.Contains(lib, "libfuse-t") || strings.Contains(lib, "fuse-t.framework")
}

func (f *Filesystem) mountOptions() []string {
	settings := []string{
		"rdonly",
		"volname=soundfs",
		"local",
		"noappledouble",
		"iosize=1048576",
		// catalog round trips can exceed the default daemon timeout
		"daemon_timeout=120",
	}
	if f.config.AllowOther {
		settings = append(settings, "allow_other")
	}
	if usingFuseT() {
		// the SMB backend avoids NFS "server not responding" stalls
		settings = append(settings, "backend=smb", "rwsize=1048576")
	}

	opts := make([]string, 0, 2*len(settings))
	for _, s := range settings {
		opts = append(opts, "-o", s)
	}
	return opts
}

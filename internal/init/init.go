// Package init sets logging defaults before any other package initializes.
// Import it with a blank identifier as the first import of a main package.
package init

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	// SOUNDFS_LOG_LEVEL=debug|info|warn|error; config and flags may raise it later.
	if lvl, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("SOUNDFS_LOG_LEVEL"))); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
}

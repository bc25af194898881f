package cli

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/beam-cloud/soundfs/pkg/types"
)

// kindMessages phrases each failure kind for the terminal.
var kindMessages = map[types.ErrorKind]string{
	types.KindNotFound:    "Not found in the catalog",
	types.KindTransient:   "The catalog is unreachable or timed out",
	types.KindPermanent:   "The catalog refused the request",
	types.KindRateLimited: "Rate limited by the catalog - please try again later",
	types.KindReadOnly:    "The filesystem is read-only",
}

var kindSuggestions = map[types.ErrorKind][]string{
	types.KindPermanent: {
		"Check that your token is valid: " + CodeStyle.Render("--token <token>"),
		"Check the account name: " + CodeStyle.Render("--account <permalink>"),
	},
	types.KindTransient: {
		"Check your network connection",
		"Verify the API base: " + CodeStyle.Render("catalog.apiBase"),
	},
	types.KindRateLimited: {
		"Lower " + CodeStyle.Render("catalog.requestsPerSecond") + " in your config",
	},
}

var errnoSuggestions = map[syscall.Errno][]string{
	syscall.ENOENT: {
		"Install FUSE: macFUSE or FUSE-T on macOS, fuse3 on Linux",
	},
	syscall.EPERM: {
		"Check that you may mount at this path",
		"Allowing other users needs " + CodeStyle.Render("user_allow_other") + " in /etc/fuse.conf",
	},
}

// FormatError prefers the kind message, naming the catalog key when known.
func FormatError(err error) string {
	if err == nil {
		return ""
	}

	var fe *types.FSError
	if errors.As(err, &fe) {
		if msg, ok := kindMessages[fe.Kind]; ok {
			if fe.Key != "" {
				return fmt.Sprintf("%s (%s)", msg, fe.Key)
			}
			return msg
		}
	}

	return cleanErrorMessage(err.Error())
}

// GetErrorSuggestions looks up hints by failure kind, then by errno.
func GetErrorSuggestions(err error) []string {
	if err == nil {
		return nil
	}

	if suggestions, ok := kindSuggestions[types.KindOf(err)]; ok {
		return suggestions
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errnoSuggestions[errno]
	}
	return nil
}

// cleanErrorMessage keeps the outermost and innermost parts of a long
// wrap chain.
func cleanErrorMessage(msg string) string {
	msg = strings.TrimPrefix(msg, "error: ")
	msg = strings.TrimPrefix(msg, "Error: ")

	if parts := strings.Split(msg, ": "); len(parts) > 3 {
		msg = parts[0] + ": " + parts[len(parts)-1]
	}

	return msg
}

func PrintFormattedError(title string, err error) {
	fmt.Fprintln(out)
	PrintErrorMsg(title)

	if err != nil {
		fmt.Fprintf(out, "  %s\n", DimStyle.Render(FormatError(err)))

		if suggestions := GetErrorSuggestions(err); len(suggestions) > 0 {
			PrintSuggestions("Suggestions:", suggestions)
		}
	}
	fmt.Fprintln(out)
}

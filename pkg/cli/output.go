package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

var (
	// out receives all human and JSON output; tests swap it for a buffer.
	out io.Writer = os.Stdout

	outputJSON bool
)

func SetJSONOutput(enabled bool) {
	outputJSON = enabled
}

// PrintJSON writes data as indented JSON when --json is set and reports
// whether it did.
func PrintJSON(data interface{}) bool {
	if !outputJSON {
		return false
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
	}
	return true
}

func PrintErrorMsg(msg string) {
	fmt.Fprintf(out, "  %s %s\n", ErrorStyle.Render(symbolFail), ErrorStyle.Render(msg))
}

func PrintWarning(msg string) {
	fmt.Fprintf(out, "  %s %s\n", WarningStyle.Render(symbolWarn), WarningStyle.Render(msg))
}

func PrintHint(msg string) {
	fmt.Fprintf(out, "\n  %s\n", HintStyle.Render(msg))
}

func PrintSuggestions(title string, suggestions []string) {
	fmt.Fprintf(out, "\n  %s\n", DimStyle.Render(title))
	for _, s := range suggestions {
		fmt.Fprintf(out, "    %s %s\n", DimStyle.Render(symbolBullet), s)
	}
}

func PrintHeader(title string) {
	fmt.Fprintf(out, "\n  %s\n\n", BoldStyle.Render(title))
}

// PrintKeyValue prints an aligned key column followed by the value.
func PrintKeyValue(key, value string) {
	fmt.Fprintf(out, "  %s %s\n", KeyStyle.Render(key), value)
}

// FormatBytes renders a byte count with a binary unit
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// PrintMountStatus prints the banner shown once a mount is serving.
func PrintMountStatus(mountPoint, backend, statusAddr string, dirs []string) {
	fmt.Fprintf(out, "\n  %s\n\n", BrandStyle.Render("soundfs mounted"))

	PrintKeyValue("Mount", mountPoint)
	PrintKeyValue("Backend", backend)
	if statusAddr != "" {
		PrintKeyValue("Status", CodeStyle.Render("http://"+statusAddr+"/api/v1/stats"))
	}

	fmt.Fprintf(out, "\n  %s\n", DimStyle.Render("Directories:"))
	for _, d := range dirs {
		fmt.Fprintf(out, "    %s\n", CodeStyle.Render("/"+d))
	}
	fmt.Fprintf(out, "\n  %s\n\n", DimStyle.Render("Press Ctrl+C to unmount"))
}

package cli

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	colorBrand = lipgloss.Color("#F97316") // orange
	colorOK    = lipgloss.Color("#22C55E")
	colorWarn  = lipgloss.Color("#F59E0B")
	colorFail  = lipgloss.Color("#EF4444")
	colorDim   = lipgloss.Color("#6B7280")
	colorHint  = lipgloss.Color("#9CA3AF")
)

const (
	symbolFail   = "✗"
	symbolWarn   = "!"
	symbolBullet = "•"
)

var (
	BrandStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorBrand)
	SuccessStyle = lipgloss.NewStyle().Foreground(colorOK)
	WarningStyle = lipgloss.NewStyle().Foreground(colorWarn)
	ErrorStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorFail)
	BoldStyle    = lipgloss.NewStyle().Bold(true)
	DimStyle     = lipgloss.NewStyle().Foreground(colorDim)
	CodeStyle    = lipgloss.NewStyle().Foreground(colorBrand)
	HintStyle    = lipgloss.NewStyle().Italic(true).Foreground(colorHint)
	KeyStyle     = lipgloss.NewStyle().Width(12).Foreground(colorDim)
)

// stateStyle colours a mount state as reported by the status API.
func stateStyle(state string) lipgloss.Style {
	switch state {
	case "mounted":
		return SuccessStyle
	case "failed":
		return ErrorStyle
	case "idle":
		return DimStyle
	default:
		return WarningStyle
	}
}

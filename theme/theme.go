package theme

import (
	"github.com/pterm/pterm"
)

// Theme defines the colour scheme and styling for the application
type Theme struct {
	// Log level colours
	Debug *pterm.Style
	Info  *pterm.Style
	Warn  *pterm.Style
	Error *pterm.Style
	Fatal *pterm.Style

	// Component colours
	Success      *pterm.Style
	Highlight    *pterm.Style
	Muted        *pterm.Style
	Subscription *pterm.Style
	Counts       *pterm.Style

	// Functional colours
	Primary  pterm.Color
	Danger   pterm.Color
	Warning  pterm.Color
	Good     pterm.Color
	Cooldown pterm.Color
}

// Default returns the default application theme
func Default() *Theme {
	return &Theme{
		Debug: pterm.NewStyle(pterm.FgLightBlue),
		Info:  pterm.NewStyle(pterm.FgGreen),
		Warn:  pterm.NewStyle(pterm.FgYellow, pterm.Bold),
		Error: pterm.NewStyle(pterm.FgRed, pterm.Bold),
		Fatal: pterm.NewStyle(pterm.FgWhite, pterm.BgRed, pterm.Bold),

		Success:      pterm.NewStyle(pterm.FgGreen, pterm.Bold),
		Highlight:    pterm.NewStyle(pterm.FgCyan, pterm.Bold),
		Muted:        pterm.NewStyle(pterm.FgGray),
		Subscription: pterm.NewStyle(pterm.FgMagenta, pterm.Bold),
		Counts:       pterm.NewStyle(pterm.FgLightCyan),

		Primary:  pterm.FgBlue,
		Danger:   pterm.FgRed,
		Warning:  pterm.FgYellow,
		Good:     pterm.FgGreen,
		Cooldown: pterm.FgLightYellow,
	}
}

// Dark returns a dark theme variant
func Dark() *Theme {
	return &Theme{
		Debug: pterm.NewStyle(pterm.FgLightBlue),
		Info:  pterm.NewStyle(pterm.FgLightGreen),
		Warn:  pterm.NewStyle(pterm.FgLightYellow, pterm.Bold),
		Error: pterm.NewStyle(pterm.FgLightRed, pterm.Bold),
		Fatal: pterm.NewStyle(pterm.FgWhite, pterm.BgRed, pterm.Bold),

		Success:      pterm.NewStyle(pterm.FgLightGreen, pterm.Bold),
		Highlight:    pterm.NewStyle(pterm.FgLightCyan, pterm.Bold),
		Muted:        pterm.NewStyle(pterm.FgGray),
		Subscription: pterm.NewStyle(pterm.FgLightMagenta, pterm.Bold),
		Counts:       pterm.NewStyle(pterm.FgLightCyan),

		Primary:  pterm.FgLightBlue,
		Danger:   pterm.FgLightRed,
		Warning:  pterm.FgLightYellow,
		Good:     pterm.FgLightGreen,
		Cooldown: pterm.FgLightYellow,
	}
}

// GetTheme returns the appropriate theme based on environment or preference
func GetTheme(name string) *Theme {
	switch name {
	case "dark":
		return Dark()
	default:
		return Default()
	}
}

// ColourSplash colours the splash screen
func ColourSplash(message ...any) string {
	return pterm.LightMagenta(message...)
}

// ColourVersion colours version numbers on the splash screen
func ColourVersion(message ...any) string {
	return pterm.LightYellow(message...)
}

// StyleUrl colours URLs and hyperlinks
func StyleUrl(message ...any) string {
	return pterm.LightBlue(message...)
}

// Hyperlink creates a hyperlink in the terminal
func Hyperlink(uri string, text string) string {
	return "\x1b]8;;" + uri + "\x07" + text + "\x1b]8;;\x07" + "[0m"
}

package ui

import (
	"os"
	"strings"

	"golang.org/x/term"
)

// colorMode resolves the color environment. POLLER_COLOR (always, never,
// auto) wins over NO_COLOR, CLICOLOR_FORCE and CLICOLOR. ok is false when
// the decision is left to TTY detection.
func colorMode(getenv func(string) string) (color, ok bool) {
	switch strings.ToLower(strings.TrimSpace(getenv("POLLER_COLOR"))) {
	case "always":
		return true, true
	case "never":
		return false, true
	}
	if getenv("NO_COLOR") != "" {
		return false, true
	}
	if strings.TrimSpace(getenv("CLICOLOR_FORCE")) == "1" {
		return true, true
	}
	if strings.TrimSpace(getenv("CLICOLOR")) == "0" {
		return false, true
	}
	return false, false
}

// ShouldUseColor reports whether command output on stdout gets ANSI colors.
// Summaries and tables are often piped, so the default is color only on a
// terminal.
func ShouldUseColor() bool {
	if color, ok := colorMode(os.Getenv); ok {
		return color
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

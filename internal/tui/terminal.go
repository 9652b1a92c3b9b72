package tui

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// IsTerminal returns true if stdin is a terminal
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// IsStdoutTerminal returns true if stdout is a terminal (not piped)
func IsStdoutTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// TerminalWidth returns the terminal width, or 80 if not a terminal
func TerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return width
}

// ClearLine clears the current line in the terminal
func ClearLine() {
	if IsStdoutTerminal() {
		fmt.Fprint(os.Stderr, "\r\033[K")
	}
}

package tui

import (
	"fmt"
	"os"
	"time"
)

// Spinner shows a simple text spinner while a slow operation runs
type Spinner struct {
	message string
	done    chan struct{}
}

// NewSpinner creates a new spinner with a message
func NewSpinner(message string) *Spinner {
	return &Spinner{
		message: message,
		done:    make(chan struct{}),
	}
}

// Start starts the spinner animation. On a non-terminal it prints the
// message once and stays quiet.
func (s *Spinner) Start() {
	if !IsStdoutTerminal() {
		fmt.Fprintf(os.Stderr, "%s...\n", s.message)
		return
	}

	frames := []string{"|", "/", "-", "\\"}
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		i := 0
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				fmt.Fprintf(os.Stderr, "\r%s %s", s.message, frames[i%len(frames)])
				i++
			}
		}
	}()
}

// Stop stops the spinner
func (s *Spinner) Stop() {
	close(s.done)
	ClearLine()
}

// StopWithMessage stops the spinner and shows a final message
func (s *Spinner) StopWithMessage(message string) {
	close(s.done)
	ClearLine()
	fmt.Fprintf(os.Stderr, "%s\n", message)
}

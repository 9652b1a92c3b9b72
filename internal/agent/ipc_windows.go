//go:build windows

package agent

import (
	"net"

	"github.com/Microsoft/go-winio"
)

// PipeName is the Windows named pipe used for agent control.
// Format: \\.\pipe\<name>
const PipeName = `\\.\pipe\sentinel-agent`

// createIPCListener creates a Windows named pipe listener. Only the user who
// created the pipe can connect.
func createIPCListener(socketPath string) (net.Listener, error) {
	cfg := &winio.PipeConfig{
		// Byte stream mode, matching the newline-delimited JSON protocol
		MessageMode:      false,
		InputBufferSize:  65536,
		OutputBufferSize: 65536,
	}

	return winio.ListenPipe(PipeName, cfg)
}

// getIPCAddress returns the IPC address for the current platform
func getIPCAddress(socketPath string) (network, address string) {
	return "pipe", PipeName
}

// cleanupIPCListener cleans up the IPC listener on shutdown.
// Windows named pipes are cleaned up automatically when closed.
func cleanupIPCListener(socketPath string) {
}

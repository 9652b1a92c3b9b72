//go:build windows

package client

import (
	"net"
	"time"

	"github.com/Microsoft/go-winio"
)

// pipeName must match the agent's listener.
const pipeName = `\\.\pipe\sentinel-agent`

// dialIPC connects to the agent's named pipe. The socket path is ignored on
// Windows; the pipe name is fixed.
func dialIPC(socketPath string) (net.Conn, error) {
	timeout := 5 * time.Second
	return winio.DialPipe(pipeName, &timeout)
}

//go:build !windows

package client

import (
	"net"
	"time"
)

// dialIPC connects to the agent's Unix domain socket.
func dialIPC(socketPath string) (net.Conn, error) {
	return net.DialTimeout("unix", socketPath, 5*time.Second)
}

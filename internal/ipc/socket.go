package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// ErrPeerCredentialsUnsupported is returned by GetPeerCredentials on
// platforms that do not report socket peer credentials.
var ErrPeerCredentialsUnsupported = errors.New("ipc: peer credentials not supported on this platform")

// PeerCredentials holds the credentials of a peer process
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// SetSocketPermissions sets the socket file permissions
func SetSocketPermissions(path string, mode os.FileMode) error {
	return os.Chmod(path, mode)
}

// CleanupSocket removes a stale socket file
func CleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if info.Mode()&os.ModeSocket != 0 {
		return os.Remove(path)
	}

	return fmt.Errorf("path exists but is not a socket: %s", path)
}

// IsSocketListening checks if a socket is already listening
func IsSocketListening(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

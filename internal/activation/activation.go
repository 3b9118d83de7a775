package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Systemd passes activated sockets starting at fd 3
// (0=stdin, 1=stdout, 2=stderr).
const listenFdsStart = 3

// Listener returns the systemd-activated socket for this process, or
// nil when the process was not socket-activated. The trigger server
// listens on exactly one socket; activation with more than one fd is
// rejected as a unit misconfiguration.
func Listener() (net.Listener, error) {
	numFDs, err := activatedFds()
	if err != nil {
		return nil, err
	}
	if numFDs == 0 {
		return nil, nil
	}
	if numFDs > 1 {
		return nil, fmt.Errorf("expected a single activated socket, got %d", numFDs)
	}

	file := os.NewFile(uintptr(listenFdsStart), "systemd-activated-socket")
	if file == nil {
		return nil, fmt.Errorf("failed to open activated fd %d", listenFdsStart)
	}
	listener, err := net.FileListener(file)
	// The listener duplicates the descriptor; the file wrapper is
	// closed either way.
	_ = file.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", listenFdsStart, err)
	}
	return listener, nil
}

// activatedFds parses the LISTEN_PID/LISTEN_FDS handshake and returns
// the number of sockets passed to this process. The variables are
// unset afterwards so child processes don't inherit them.
func activatedFds() (int, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		// Activation addressed to a different process
		return 0, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}

	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	if numFDs < 0 {
		return 0, fmt.Errorf("negative LISTEN_FDS %d", numFDs)
	}
	return numFDs, nil
}

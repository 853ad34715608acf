// Package process runs step executables as subprocesses with process-group
// signalling, bounded output capture and a graceful SIGTERM/SIGKILL sequence.
package process

import (
	"io"
	"time"
)

// DefaultMaxOutput is the number of trailing stdout/stderr bytes kept per stream.
const DefaultMaxOutput = 64 << 10

// Command configures a subprocess to execute.
type Command struct {
	// Binary is the executable path or name (resolved via PATH).
	Binary string
	// Args are the command-line arguments.
	Args []string
	// Dir is the working directory. If empty, uses the current directory.
	Dir string
	// Env is additional environment variables (key=value). Merged with os.Environ.
	Env []string
	// Stdin provides input to the process. May be nil.
	Stdin io.Reader
	// Stdout and Stderr, when set, additionally receive the full streams.
	Stdout io.Writer
	Stderr io.Writer
	// MaxOutput caps the captured bytes per stream, keeping the tail.
	// Defaults to DefaultMaxOutput if zero.
	MaxOutput int
	// GracePeriod is how long to wait after SIGTERM before SIGKILL.
	// Defaults to 5 seconds if zero.
	GracePeriod time.Duration
}

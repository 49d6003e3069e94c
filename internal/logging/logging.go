package logging

import (
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/log"
)

var (
	mu     sync.Mutex
	level  log.Level = log.InfoLevel
	output io.Writer = os.Stderr
)

// SetLevel sets the level of loggers created after the call.
func SetLevel(name string) error {
	l, err := log.ParseLevel(name)
	if err != nil {
		return err
	}
	mu.Lock()
	level = l
	mu.Unlock()
	return nil
}

// SetOutput redirects loggers created after the call.
func SetOutput(w io.Writer) {
	mu.Lock()
	output = w
	mu.Unlock()
}

// New returns a logger tagged with a module prefix, e.g. "WORKER".
func New(prefix string) *log.Logger {
	mu.Lock()
	defer mu.Unlock()

	return log.NewWithOptions(output, log.Options{
		Prefix:          prefix,
		Level:           level,
		ReportTimestamp: true,
	})
}

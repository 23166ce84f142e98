// Serialmux provides an abstraction over a serial port shared by every worker
// that talks to one instrument. Commands and query/response pairs are
// serialised behind a single lock so two goroutines never interleave bytes on
// the wire.
package serialmux

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/tsweb"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")
	ErrClosed      = errors.New("serial port closed")
)

// SerialMux is a generic line-oriented command multiplexer over one port.
type SerialMux[T SerialPorter] struct {
	port      T
	reader    *bufio.Reader
	commandMu sync.Mutex
	closed    bool
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// SendCommand writes the provided command to the serial port.
	SendCommand(string) error
	// Query writes the command and returns the next response line.
	Query(string) (string, error)
	// Close closes the serial port.
	Close() error
	// AttachAdminRoutes registers debug endpoints under the given slug.
	AttachAdminRoutes(debug *tsweb.DebugHandler, slug string)
}

// NewSerialMux creates a SerialMux instance backed by port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:   port,
		reader: bufio.NewReader(port),
	}
}

// SendCommand sends a command to the serial port.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	return s.writeLocked(command)
}

// Query sends command and reads one response line. The lock is held across
// the write and the read so the response cannot be claimed by another caller.
// There is no timeout: a silent instrument blocks the caller.
func (s *SerialMux[T]) Query(command string) (string, error) {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if err := s.writeLocked(command); err != nil {
		return "", err
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		if line != "" && errors.Is(err, io.EOF) {
			return strings.TrimSpace(line), nil
		}
		return "", fmt.Errorf("read response to %q: %w", command, err)
	}
	return strings.TrimSpace(line), nil
}

func (s *SerialMux[T]) writeLocked(command string) error {
	if s.closed {
		return ErrClosed
	}
	if !strings.HasSuffix(command, "\n") {
		command += "\n" // ensure command ends with a newline
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Close closes the underlying port. Further commands fail with ErrClosed.
func (s *SerialMux[T]) Close() error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.port.Close()
}

// AttachAdminRoutes exposes a query endpoint for manual debugging:
// POST /debug/<slug> with form field "command".
func (s *SerialMux[T]) AttachAdminRoutes(debug *tsweb.DebugHandler, slug string) {
	debug.HandleSilentFunc(slug, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if strings.HasSuffix(command, "?") {
			reply, err := s.Query(command)
			if err != nil {
				http.Error(w, "Query failed: "+err.Error(), http.StatusInternalServerError)
				return
			}
			fmt.Fprintln(w, reply)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command: "+err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote command %q to serial port\n", command)
	})
}

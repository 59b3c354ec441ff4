package toolgate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

var errEmbeddedNewline = errors.New("message contains an embedded newline")

// StdioTransport carries newline-delimited JSON-RPC messages over the standard
// input/output of a server subprocess. The subprocess's standard error is
// captured for diagnostics only and never parsed as protocol data.
//
// A StdioTransport is single-use: after Close, or after the subprocess exits,
// a new instance is required. Instances are created with NewStdioTransport for
// subprocess servers or NewPipeTransport for an existing reader/writer pair.
type StdioTransport struct {
	command string
	args    []string
	env     map[string]string
	logger  *slog.Logger

	reader io.Reader
	writer io.Writer
	cmd    *exec.Cmd

	writes      chan stdioWrite
	done        chan struct{}
	writeClosed chan struct{}
	closeOnce   sync.Once
}

type stdioWrite struct {
	payload []byte
	errs    chan error
}

// NewStdioTransport creates a transport that will launch the given command as
// a subprocess on Connect. The env map is appended to the inherited
// environment.
func NewStdioTransport(command string, args []string, env map[string]string, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		command:     command,
		args:        args,
		env:         env,
		logger:      logger,
		writes:      make(chan stdioWrite),
		done:        make(chan struct{}),
		writeClosed: make(chan struct{}),
	}
}

// NewPipeTransport creates a transport over an existing reader/writer pair.
// No subprocess is involved; Connect only starts the internal write loop.
func NewPipeTransport(reader io.Reader, writer io.Writer, logger *slog.Logger) *StdioTransport {
	t := NewStdioTransport("", nil, nil, logger)
	t.reader = reader
	t.writer = writer
	return t
}

// Connect launches the subprocess (when the transport was built from a
// command) and starts the write loop.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if t.command != "" {
		if err := t.spawn(ctx); err != nil {
			return &TransportError{Err: err}
		}
	}

	go t.processWrites()
	return nil
}

func (t *StdioTransport) spawn(ctx context.Context) error {
	cmd := exec.Command(t.command, t.args...)
	cmd.Env = os.Environ()
	for k, v := range t.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", t.command, err)
	}

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return ctx.Err()
	default:
	}

	t.cmd = cmd
	t.reader = stdout
	t.writer = stdin

	// Drain stderr into the logger so the subprocess never blocks on a full
	// pipe. Diagnostic only.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			t.logger.Debug("server stderr", slog.String("line", scanner.Text()))
		}
	}()

	return nil
}

// Send queues one framed message for writing. A payload containing a newline
// is a framing violation and is rejected with a TransportError without being
// written.
func (t *StdioTransport) Send(ctx context.Context, payload []byte) error {
	if containsNewline(payload) {
		return &TransportError{Err: errEmbeddedNewline}
	}

	framed := make([]byte, 0, len(payload)+1)
	framed = append(framed, payload...)
	framed = append(framed, '\n')

	w := stdioWrite{
		payload: framed,
		errs:    make(chan error, 1),
	}

	// Queue the message so concurrent senders never interleave partial writes.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return &TransportError{Err: ErrConnectionClosed}
	case t.writes <- w:
	}

	select {
	case err := <-w.errs:
		if err != nil {
			return &TransportError{Err: err}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return &TransportError{Err: ErrConnectionClosed}
	}
}

// Receive yields one raw framed message per line on the subprocess's stdout.
// The sequence ends when the process closes its stdout, the line reader hits
// an error, or the transport is closed.
func (t *StdioTransport) Receive() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		// bufio.Reader instead of bufio.Scanner to avoid max token size errors.
		reader := bufio.NewReader(t.reader)
		for {
			type lineWithErr struct {
				line string
				err  error
			}

			lines := make(chan lineWithErr, 1)

			// Read in a goroutine so a slow or stuck reader never keeps us
			// from observing the done channel.
			go func() {
				line, err := reader.ReadString('\n')
				if err != nil {
					lines <- lineWithErr{err: err}
					return
				}
				lines <- lineWithErr{line: strings.TrimSuffix(line, "\n")}
			}()

			var lwe lineWithErr
			select {
			case <-t.done:
				return
			case lwe = <-lines:
			}

			if lwe.err != nil {
				if !errors.Is(lwe.err, io.EOF) && !errors.Is(lwe.err, io.ErrClosedPipe) && !errors.Is(lwe.err, fs.ErrClosed) {
					t.logger.Error("failed to read message", "err", lwe.err)
				}
				return
			}

			line := strings.TrimSuffix(lwe.line, "\r")
			if line == "" {
				continue
			}

			if !yield([]byte(line)) {
				return
			}
		}
	}
}

// Close terminates the write loop and, for subprocess transports, kills and
// reaps the server process. All exit paths of a connection call Close, so the
// process handle is never leaked.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)

		if c, ok := t.writer.(io.Closer); ok {
			_ = c.Close()
		}
		if c, ok := t.reader.(io.Closer); ok {
			_ = c.Close()
		}
		if t.cmd != nil {
			_ = t.cmd.Process.Kill()
			_ = t.cmd.Wait()
		}
	})
	return nil
}

func (t *StdioTransport) processWrites() {
	defer close(t.writeClosed)

	for {
		var w stdioWrite
		select {
		case <-t.done:
			return
		case w = <-t.writes:
		}

		_, err := t.writer.Write(w.payload)
		w.errs <- err
	}
}

package transport

import (
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/drunlade/go-xfer/kermit"
	"github.com/drunlade/go-xfer/session"
	"github.com/drunlade/go-xfer/transfer"
)

// SSHSession runs file transfers against the rz/sz (or kermit) on the
// far side of an SSH session.
type SSHSession struct {
	sshSession *ssh.Session
	stdin      io.WriteCloser
	stdout     *deadlineReader
	logger     transfer.Logger
}

// SSHOption configures an SSHSession.
type SSHOption func(*SSHSession)

// WithSSHLogger sets the transfer logger.
func WithSSHLogger(logger transfer.Logger) SSHOption {
	return func(s *SSHSession) { s.logger = logger }
}

// NewSSHSession wraps an established ssh.Session for file transfer.
// The caller keeps ownership of the underlying connection.
func NewSSHSession(sshSession *ssh.Session, opts ...SSHOption) (*SSHSession, error) {
	stdin, err := sshSession.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := sshSession.StdoutPipe()
	if err != nil {
		return nil, err
	}

	s := &SSHSession{
		sshSession: sshSession,
		stdin:      stdin,
		stdout:     NewDeadlineReader(stdout),
		logger:     transfer.NoopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SendFiles runs "rz" remotely and uploads files over ZModem.
func (s *SSHSession) SendFiles(paths []string) error {
	files, err := statAll(paths)
	if err != nil {
		return err
	}
	if err := s.sshSession.Start("rz -b"); err != nil {
		return err
	}

	sess, err := session.Start(session.Config{
		Protocol:  session.ZmodemCRC32,
		Direction: session.Send,
		Files:     files,
		Logger:    s.logger,
	})
	if err != nil {
		return err
	}
	return RunConn(sess, s.stdout, s.stdin)
}

// ReceiveFiles runs "sz" remotely and downloads into downloadPath over
// ZModem.
func (s *SSHSession) ReceiveFiles(remotePaths []string, downloadPath string) error {
	cmd := "sz -b " + strings.Join(remotePaths, " ")
	if err := s.sshSession.Start(cmd); err != nil {
		return err
	}

	sess, err := session.Start(session.Config{
		Protocol:     session.ZmodemCRC32,
		Direction:    session.Receive,
		DownloadPath: downloadPath,
		Logger:       s.logger,
	})
	if err != nil {
		return err
	}
	return RunConn(sess, s.stdout, s.stdin)
}

// SendFilesKermit runs a remote "kermit -x" style receiver and uploads
// over the Kermit engine.
func (s *SSHSession) SendFilesKermit(paths []string) error {
	files, err := statAll(paths)
	if err != nil {
		return err
	}
	if err := s.sshSession.Start("kermit -Y -i -r"); err != nil {
		return err
	}

	sess, err := session.Start(session.Config{
		Protocol:  session.Kermit,
		Direction: session.Send,
		Files:     files,
		Logger:    s.logger,
		KermitOptions: []kermit.Option{
			// C-Kermit over ssh is 8-bit clean but does not stream by
			// default.
			kermit.WithStreaming(false),
		},
	})
	if err != nil {
		return err
	}
	return RunConn(sess, s.stdout, s.stdin)
}

// Close tears down the SSH session.
func (s *SSHSession) Close() error {
	s.stdin.Close()
	return s.sshSession.Close()
}

func statAll(paths []string) ([]transfer.FileInfo, error) {
	files := make([]transfer.FileInfo, 0, len(paths))
	for _, p := range paths {
		info, err := session.FileInfoFromPath(p)
		if err != nil {
			return nil, err
		}
		files = append(files, info)
	}
	return files, nil
}

// deadlineReader adapts a plain reader (an ssh stdout pipe, a stdio
// stream) to the deadline-capable interface RunConn wants.  A single
// goroutine feeds reads through a channel; Read waits for data or the
// deadline.
type deadlineReader struct {
	chunks   chan []byte
	errs     chan error
	pending  []byte
	deadline time.Time
}

// NewDeadlineReader wraps r so its reads honor SetReadDeadline.
func NewDeadlineReader(r io.Reader) *deadlineReader {
	d := &deadlineReader{
		chunks: make(chan []byte, 8),
		errs:   make(chan error, 1),
	}
	go func() {
		for {
			buf := make([]byte, 4096)
			n, err := r.Read(buf)
			if n > 0 {
				d.chunks <- buf[:n]
			}
			if err != nil {
				d.errs <- err
				close(d.chunks)
				return
			}
		}
	}()
	return d
}

// SetReadDeadline bounds the next Read.
func (d *deadlineReader) SetReadDeadline(t time.Time) error {
	d.deadline = t
	return nil
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	if len(d.pending) > 0 {
		n := copy(p, d.pending)
		d.pending = d.pending[n:]
		return n, nil
	}

	var timeout <-chan time.Time
	if !d.deadline.IsZero() {
		wait := time.Until(d.deadline)
		if wait < 0 {
			wait = 0
		}
		timeout = time.After(wait)
	}

	select {
	case chunk, ok := <-d.chunks:
		if !ok {
			select {
			case err := <-d.errs:
				return 0, err
			default:
				return 0, io.EOF
			}
		}
		n := copy(p, chunk)
		d.pending = chunk[n:]
		return n, nil
	case <-timeout:
		return 0, timeoutError{}
	}
}

// timeoutError satisfies the net.Error timeout convention.
type timeoutError struct{}

func (timeoutError) Error() string { return "read deadline exceeded" }
func (timeoutError) Timeout() bool { return true }

// Stderr returns the remote command's stderr, useful for surfacing rz
// and sz diagnostics to the operator.  It must be called before the
// remote command starts.
func (s *SSHSession) Stderr() (io.Reader, error) {
	return s.sshSession.StderrPipe()
}

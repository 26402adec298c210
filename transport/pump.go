package transport

import (
	"errors"
	"io"
	"time"

	"github.com/drunlade/go-xfer/session"
)

// byteDeadlineReader is a reader whose Read can be bounded in time.
// net.Conn and ssh channels over it satisfy the interface; plain files
// and pipes can be wrapped with a goroutine-backed adapter.
type byteDeadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// RunConn drives a session over a deadline-capable reader and a writer
// until the transfer completes or fails.  Reads are chopped into short
// slices so the pump keeps control of pacing and timeouts.
func RunConn(s *session.Session, r byteDeadlineReader, w io.Writer) error {
	in := make([]byte, 4096)
	out := make([]byte, 0, session.MaxFrameSize)

	for !s.Done() {
		r.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, rerr := r.Read(in)

		outN := s.Process(in[:n], out[:0])
		if outN > 0 {
			if _, werr := w.Write(out[:outN]); werr != nil {
				s.Stop(true)
				return werr
			}
		}

		if rerr != nil && !isTimeout(rerr) {
			if errors.Is(rerr, io.EOF) && s.Done() {
				break
			}
			if !errors.Is(rerr, io.EOF) {
				s.Stop(true)
				return rerr
			}
			// EOF with an unfinished session: give the pump a chance
			// to notice the silence, then bail.
			if s.Done() {
				break
			}
			s.Stop(true)
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}

// isTimeout reports whether err is a read-deadline expiry.
func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

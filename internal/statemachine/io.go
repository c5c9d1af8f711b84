package statemachine

import (
	"errors"
	"io"

	"github.com/libnbd-go/nbd/internal/transport"
)

// progress tracks a resumable partial read or write against a fixed-size
// buffer: the state carried across Step calls so a substate can pick back
// up mid-frame instead of starting over.
type progress struct {
	n int
}

// recvInto reads buf[p.n:] from t, advancing p.n. It returns (true, ...)
// once buf is fully populated, or (false, Outcome{Wait: DirRead}) if the
// caller must wait for readability. Any EOF, including one before the first
// byte of buf, surfaces as io.ErrUnexpectedEOF.
func recvInto(t transport.Transport, buf []byte, p *progress) (bool, Outcome) {
	for p.n < len(buf) {
		n, err := t.Recv(buf[p.n:])
		p.n += n
		if err == nil {
			continue
		}
		if errors.Is(err, transport.ErrWouldBlock) {
			return false, Outcome{Wait: transport.DirRead}
		}
		if errors.Is(err, io.EOF) {
			return false, Outcome{Err: io.ErrUnexpectedEOF}
		}
		return false, Outcome{Err: err}
	}
	return true, Outcome{}
}

// sendFrom writes buf[p.n:] to t, advancing p.n. moreHint is a pure
// optimization signal (more frames are coming right behind this one) that
// must never be load-bearing for correctness.
func sendFrom(t transport.Transport, buf []byte, p *progress, moreHint bool) (bool, Outcome) {
	for p.n < len(buf) {
		n, err := t.Send(buf[p.n:], moreHint)
		p.n += n
		if err == nil {
			continue
		}
		if errors.Is(err, transport.ErrWouldBlock) {
			return false, Outcome{Wait: transport.DirWrite}
		}
		return false, Outcome{Err: err}
	}
	return true, Outcome{}
}

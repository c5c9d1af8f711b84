package transport

import (
	"time"

	"golang.org/x/time/rate"
)

// maxThrottleBurst caps how many bytes a single Send can push through the
// limiter at once, sized to the largest request payload a handle will
// typically see in one frame rather than an unbounded burst.
const maxThrottleBurst = 256 * 1024

// Throttled wraps a Transport with an outbound byte-rate cap. It must stay
// non-blocking: when the bucket is empty it reports ErrWouldBlock and writes
// nothing, leaving the caller to retry once the transport (or a timer) says
// it's writable again, rather than blocking on the limiter the way a
// synchronous writer could afford to.
type Throttled struct {
	Transport
	limiter *rate.Limiter
}

// NewThrottled wraps t with a send-side rate limit of bytesPerSec. A
// bytesPerSec of 0 disables throttling and returns t unwrapped.
func NewThrottled(t Transport, bytesPerSec int) Transport {
	if bytesPerSec <= 0 {
		return t
	}
	burst := bytesPerSec
	if burst > maxThrottleBurst {
		burst = maxThrottleBurst
	}
	return &Throttled{Transport: t, limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// Send admits at most as many bytes as the limiter currently allows,
// possibly less than len(buf); the caller resumes with the remainder on its
// next Send, same as a partial write from the underlying transport.
func (th *Throttled) Send(buf []byte, moreHint bool) (int, error) {
	n := len(buf)
	if n > th.limiter.Burst() {
		n = th.limiter.Burst()
	}
	if !th.limiter.AllowN(time.Now(), n) {
		return 0, ErrWouldBlock
	}
	return th.Transport.Send(buf[:n], moreHint || n < len(buf))
}

// SetMaxBytesPerSecond adjusts the active rate limit and burst in place,
// letting a caller re-tune throughput mid-transfer without reconnecting.
func (th *Throttled) SetMaxBytesPerSecond(bytesPerSec int) {
	burst := bytesPerSec
	if burst > maxThrottleBurst {
		burst = maxThrottleBurst
	}
	th.limiter.SetLimit(rate.Limit(bytesPerSec))
	th.limiter.SetBurst(burst)
}

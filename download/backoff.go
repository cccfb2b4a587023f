package download

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// classDelayBackOff is a backoff policy whose delay is dictated by the
// classification of the most recent failure rather than by an exponential
// schedule. The transfer operation records each failure's kind before
// returning, and the policy serves that kind's fixed delay.
type classDelayBackOff struct {
	lastKind FailureKind
}

var _ backoff.BackOff = (*classDelayBackOff)(nil)

func (b *classDelayBackOff) NextBackOff() time.Duration {
	return b.lastKind.Delay()
}

func (b *classDelayBackOff) Reset() {
	b.lastKind = KindFatal
}

// observe records the classification of a failed attempt.
func (b *classDelayBackOff) observe(kind FailureKind) {
	b.lastKind = kind
}

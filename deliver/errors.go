package deliver

import (
	"errors"
	"fmt"
	"time"
)

// ErrPermanent marks send failures no retry can fix: the destination is
// gone, the bot was blocked, or the platform rejected the content. The
// task is dropped and reported through Config.OnFailed.
var ErrPermanent = errors.New("deliver: permanent send failure")

// RateLimitedError reports platform backpressure. It does not consume a
// retry attempt; the task is resent after RetryAfter without losing its
// place in the destination's queue. A zero RetryAfter means the platform
// named no delay and Config.Cooldown applies.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("deliver: rate limited, retry after %s", e.RetryAfter)
}

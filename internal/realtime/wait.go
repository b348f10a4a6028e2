package realtime

import (
	"context"
	"fmt"
	"time"
)

const (
	DefaultReadyTimeout = 30 * time.Second
	DefaultPollInterval = time.Second
)

// WaitOptions bounds WaitForReady. Zero values use the defaults.
type WaitOptions struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

func (o WaitOptions) withDefaults() WaitOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultReadyTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// WaitForReady polls the session until it is READY with a key and returns
// the key. The deadline is checked before every fetch. A failed poll is
// returned as is; retrying the negotiation is the caller's decision.
func (c *Client) WaitForReady(ctx context.Context, sessionID string, opts WaitOptions) (string, error) {
	opts = opts.withDefaults()
	start := c.now()
	polls := 0

	for {
		if c.now().Sub(start) >= opts.Timeout {
			return "", &TimeoutError{SessionID: sessionID, Timeout: opts.Timeout, Polls: polls}
		}

		rec, err := c.GetStatus(ctx, sessionID)
		polls++
		if err != nil {
			return "", err
		}

		if rec.Status == StatusReady && rec.SessionKey != "" {
			c.logger.Debug().Str("session_id", sessionID).Int("polls", polls).Msg("session ready")
			return rec.SessionKey, nil
		}
		if rec.Status.Terminal() {
			return "", &SessionTerminatedError{SessionID: sessionID, Status: rec.Status, Failure: rec.Failure}
		}

		if err := c.sleep(ctx, opts.PollInterval); err != nil {
			return "", fmt.Errorf("wait for session %s: %w", sessionID, err)
		}
	}
}

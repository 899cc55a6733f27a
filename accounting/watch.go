package accounting

import (
	"context"
	"time"
)

// DefaultPollInterval is how often Watch samples playback progress.
const DefaultPollInterval = time.Second

// PlaybackSource reports the progress of an active playback. ok is false when
// the player has nothing to report yet.
type PlaybackSource interface {
	Progress() (transferred int64, position, duration time.Duration, ok bool)
}

// Watch samples src every interval and feeds the session until ctx is done.
// Observation errors are logged and sampling continues.
func Watch(ctx context.Context, s *Session, src PlaybackSource, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			transferred, position, duration, ok := src.Progress()
			if !ok {
				continue
			}
			if err := s.ObserveTransfer(ctx, transferred); err != nil {
				s.logger.Warn("observing transfer", "error", err)
			}
			if err := s.ObservePosition(ctx, position, duration); err != nil {
				s.logger.Warn("observing position", "error", err)
			}
		}
	}
}

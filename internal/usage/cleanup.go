package usage

import (
	"log/slog"
	"time"
)

// CleanupInterval is how often expired entries are deleted.
const CleanupInterval = time.Hour

// retention deletes entries older than a number of days on a fixed interval.
type retention struct {
	days    int
	stop    chan struct{}
	stopped chan struct{}
}

// startRetention runs purge immediately and then every interval until stop.
// It returns nil when days <= 0.
func startRetention(days int, interval time.Duration, purge func(cutoff time.Time) (int64, error)) *retention {
	if days <= 0 {
		return nil
	}
	r := &retention{days: days, stop: make(chan struct{}), stopped: make(chan struct{})}
	go func() {
		defer close(r.stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			cutoff := time.Now().UTC().AddDate(0, 0, -days)
			if n, err := purge(cutoff); err != nil {
				slog.Error("failed to clean up old usage entries", "error", err)
			} else if n > 0 {
				slog.Info("cleaned up old usage entries", "deleted", n)
			}
			select {
			case <-ticker.C:
			case <-r.stop:
				return
			}
		}
	}()
	return r
}

// Stop ends the loop and waits for it to exit. It is safe on a nil receiver
// and may be called once.
func (r *retention) Stop() {
	if r == nil {
		return
	}
	close(r.stop)
	<-r.stopped
}

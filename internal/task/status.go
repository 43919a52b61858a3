package task

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"DistCommit/internal/types"
)

// NormalizeStatus truncates status to at most limit characters. The second
// return value reports whether anything was cut. A non-positive limit keeps
// the status unchanged.
func NormalizeStatus(status string, limit int) (string, bool) {
	if limit <= 0 || utf8.RuneCountInString(status) <= limit {
		return status, false
	}
	n := 0
	for i := range status {
		if n == limit {
			return status[:i], true
		}
		n++
	}
	return status, false
}

// SetStatus records the free-text status sent with the next update.
func (a *Attempt) SetStatus(status string) {
	a.mu.Lock()
	limit := a.statusLimit
	a.mu.Unlock()

	normalized, cut := NormalizeStatus(status, limit)
	if cut {
		a.log.Warn("Task status: \"%s\" truncated to max limit (%d characters)", status, limit)
	}

	a.mu.Lock()
	a.status = normalized
	a.mu.Unlock()
}

func (a *Attempt) Status() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// Report builds the status report the attempt would send now.
func (a *Attempt) Report() types.AttemptReport {
	a.mu.RLock()
	state, status := a.state, a.status
	a.mu.RUnlock()

	return types.AttemptReport{
		AttemptID:   a.id.String(),
		ContainerID: a.opts.ContainerID,
		State:       state,
		Status:      status,
		Done:        a.done.Load(),
		Counters:    a.Counters(),
		Timestamp:   time.Now(),
	}
}

// StatusUpdate sends the current report to the hosting runtime. Once the
// attempt is done only the final update is sent, so this becomes a no-op.
func (a *Attempt) StatusUpdate(ctx context.Context) error {
	if err := a.ready(); err != nil {
		return err
	}
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	if a.done.Load() {
		a.log.Debug("Attempt is done, skipping status update: attempt=%s", a.id)
		return nil
	}
	return a.pc.StatusUpdate(ctx, a.Report())
}

// sendLastUpdate must run after the done flag is set. It waits for any
// periodic report in flight, and later ones see the flag and skip.
func (a *Attempt) sendLastUpdate(ctx context.Context) {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	if err := a.pc.StatusUpdate(ctx, a.Report()); err != nil {
		a.log.Warn("%v", types.NewAttemptError(types.ErrTelemetry, a.id.String(), "sendLastUpdate", err))
	}
}

// StartReporter flushes counters and sends a status update every interval
// until the attempt is done or the returned stop function is called.
func (a *Attempt) StartReporter(ctx context.Context, interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if a.done.Load() {
					return
				}
				a.flushCounters()
				if err := a.StatusUpdate(ctx); err != nil && ctx.Err() == nil {
					a.log.Warn("%v", types.NewAttemptError(types.ErrTelemetry, a.id.String(), "statusUpdate", err))
				}
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

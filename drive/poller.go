package drive

import (
	"context"
	"log/slog"
	"time"
)

// Poller watches one run's shared record and forwards each new
// publication exactly once, deduplicating on Seq. It stops when the run
// reaches a terminal status or the record disappears.
type Poller struct {
	Store    StateStore
	Interval time.Duration // default 200ms
	OnUpdate func(RunState)
	Logger   *slog.Logger
}

func (p *Poller) defaults() {
	if p.Interval <= 0 {
		p.Interval = 200 * time.Millisecond
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
}

// Watch blocks until the run terminates, the record is cleared, or ctx
// is cancelled.
func (p *Poller) Watch(ctx context.Context, runID string) {
	p.defaults()

	var lastSeq int64
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		st, ok := p.Store.Read(runID)
		if !ok {
			// Before the first publication the record does not exist yet;
			// keep waiting. After it has been seen, gone means cleared.
			if lastSeq > 0 {
				p.Logger.Debug("drive: run record cleared", "run_id", runID)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}
		if st.Seq > lastSeq {
			lastSeq = st.Seq
			if p.OnUpdate != nil {
				p.OnUpdate(st)
			}
		}
		if st.Status.Terminal() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

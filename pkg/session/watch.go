package session

import (
	"context"
	"time"

	"github.com/dan-solli/lore/pkg/store"
)

// IdleReport lists the sessions one idle check changed.
type IdleReport struct {
	Idled []string `json:"idled,omitempty"`
	Ended []*Flush `json:"ended,omitempty"`
}

// CheckIdle marks live sessions idle after IdleAfter without activity and
// ends them after IdleTimeout, through the same flush as End. It runs in
// one write transaction, so activity from another process lands either
// before the check (and counts) or after it.
func (m *Manager) CheckIdle(ctx context.Context) (*IdleReport, error) {
	report := &IdleReport{}
	err := m.st.Update(ctx, func(tx *store.Tx) error {
		now := tx.Now()
		live, err := tx.AllLiveSessions(ctx)
		if err != nil {
			return err
		}
		for _, sess := range live {
			quiet := now.Sub(sess.LastActivity)
			switch {
			case quiet > m.cfg.IdleTimeout:
				f, err := m.finish(ctx, tx, sess, "session timed out")
				if err != nil {
					return err
				}
				report.Ended = append(report.Ended, f)
			case quiet > m.cfg.IdleAfter && sess.Status == store.SessionActive:
				if err := tx.SetSessionStatus(ctx, sess.ID, store.SessionIdle, nil); err != nil {
					return err
				}
				report.Idled = append(report.Idled, sess.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, id := range report.Idled {
		m.log().Info("session idle", "session", id)
	}
	for _, f := range report.Ended {
		m.log().Info("session timed out",
			"session", f.SessionID,
			"promoted", len(f.Promoted),
			"pending", len(f.Pending))
	}
	return report, nil
}

// Watch runs CheckIdle every interval until ctx is done. Check failures
// are logged and retried on the next tick.
func (m *Manager) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log().Debug("idle watcher started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			m.log().Debug("idle watcher stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.CheckIdle(ctx); err != nil && ctx.Err() == nil {
				m.log().Warn("idle check failed", "error", err)
			}
		}
	}
}

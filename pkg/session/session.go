// Package session guards the store with one live session per scope and
// flushes learning output when sessions end, time out or crash.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dan-solli/lore/pkg/scope"
	"github.com/dan-solli/lore/pkg/store"
)

var (
	// ErrSessionActive is returned by Start when the scope already has a
	// session that is still receiving activity.
	ErrSessionActive = errors.New("session already active")

	// ErrNoActiveSession is returned when an operation needs a live session
	// and the scope has none.
	ErrNoActiveSession = errors.New("no active session")
)

// Config holds the lifecycle thresholds.
type Config struct {
	// StaleAfter is how long a live session may go without activity before
	// a new Start treats it as crashed.
	StaleAfter time.Duration `mapstructure:"stale_after"`
	// IdleAfter marks a quiet session idle.
	IdleAfter time.Duration `mapstructure:"idle_after"`
	// IdleTimeout ends a quiet session.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// PromoteConfidence is the confidence from which a pending proposal is
	// written to the store when its session closes.
	PromoteConfidence float64 `mapstructure:"promote_confidence"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		StaleAfter:        5 * time.Minute,
		IdleAfter:         10 * time.Minute,
		IdleTimeout:       30 * time.Minute,
		PromoteConfidence: 0.8,
	}
}

// Manager runs the session lifecycle. Every read-modify-write of the live
// session slot happens inside one store write transaction, which holds the
// database write lock for its whole duration.
type Manager struct {
	st     *store.Store
	cfg    Config
	logger *slog.Logger
}

// New creates a Manager. Time comes from the store clock.
func New(st *store.Store, cfg Config) *Manager {
	return &Manager{st: st, cfg: cfg}
}

// WithLogger sets the logger and returns the manager for chaining.
func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	m.logger = logger
	return m
}

func (m *Manager) log() *slog.Logger {
	if m.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return m.logger
}

// Config returns the thresholds in use.
func (m *Manager) Config() Config { return m.cfg }

// Flush reports what happened to a session's learning output.
type Flush struct {
	SessionID string   `json:"session_id"`
	Reason    string   `json:"reason"`
	Promoted  []string `json:"promoted,omitempty"`
	Archived  []string `json:"archived,omitempty"`
	Pending   []string `json:"pending,omitempty"`
	// Already is set when the session had been closed before the call.
	Already bool `json:"already,omitempty"`
}

// Started is the result of Start.
type Started struct {
	Session   *store.SessionRecord `json:"session"`
	Recovered []*Flush             `json:"recovered,omitempty"`
}

// Start opens a session in sc. A live session whose last activity is older
// than StaleAfter is treated as crashed and recovered first; a fresh one
// makes Start fail with ErrSessionActive.
func (m *Manager) Start(ctx context.Context, sc scope.SessionScope, projectPath string) (*Started, error) {
	if _, err := scope.ParseSession(sc.String()); err != nil {
		return nil, err
	}

	out := &Started{}
	err := m.st.Update(ctx, func(tx *store.Tx) error {
		now := tx.Now()
		live, err := tx.LiveSessions(ctx, sc)
		if err != nil {
			return err
		}

		if len(live) > 1 {
			m.log().Warn("multiple live sessions in one scope, recovering older ones",
				"scope", sc,
				"count", len(live),
				"error", store.ErrInvariantViolation)
			for _, sess := range live[1:] {
				f, err := m.recover(ctx, tx, sess, "recovered: duplicate live session")
				if err != nil {
					return err
				}
				out.Recovered = append(out.Recovered, f)
			}
			live = live[:1]
		}

		if len(live) == 1 {
			sess := live[0]
			if !m.stale(sess, now) {
				return fmt.Errorf("%w: session %s in %s, last activity %s",
					ErrSessionActive, sess.ID, sc, sess.LastActivity.Format(time.RFC3339))
			}
			m.log().Warn("stale session detected, treating as crashed",
				"session", sess.ID,
				"scope", sc,
				"inactive", now.Sub(sess.LastActivity).Round(time.Second))
			f, err := m.recover(ctx, tx, sess, "recovered: session crashed")
			if err != nil {
				return err
			}
			out.Recovered = append(out.Recovered, f)
		}

		sess := &store.SessionRecord{
			ID:           uuid.NewString(),
			Scope:        sc,
			ProjectPath:  projectPath,
			Status:       store.SessionActive,
			CreatedAt:    now,
			LastActivity: now,
		}
		if err := tx.InsertSession(ctx, sess); err != nil {
			return err
		}
		out.Session = sess
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log().Info("session started",
		"session", out.Session.ID,
		"scope", sc,
		"recovered", len(out.Recovered))
	return out, nil
}

func (m *Manager) stale(sess *store.SessionRecord, now time.Time) bool {
	return now.Sub(sess.LastActivity) > m.cfg.StaleAfter
}

// Activity records an event against the live session of sc. A zero At is
// set to now.
func (m *Manager) Activity(ctx context.Context, sc scope.SessionScope, ev store.ActivityEvent) error {
	return m.st.Update(ctx, func(tx *store.Tx) error {
		sess, err := current(ctx, tx, sc)
		if err != nil {
			return err
		}
		if ev.At.IsZero() {
			ev.At = tx.Now()
		}
		return tx.RecordActivity(ctx, sess.ID, ev)
	})
}

// Propose attaches a candidate memory to the live session of sc. It stays
// pending until the session closes.
func (m *Manager) Propose(ctx context.Context, sc scope.SessionScope, p *store.Proposal) error {
	return m.st.Update(ctx, func(tx *store.Tx) error {
		sess, err := current(ctx, tx, sc)
		if err != nil {
			return err
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = tx.Now()
		}
		p.SessionID = sess.ID
		p.Status = store.ProposalPending
		return tx.InsertProposal(ctx, p)
	})
}

// End closes the live session of sc: high-confidence proposals are
// promoted, the rest stay pending for review, and the session with its
// activity log is archived. Ending a scope without a live session is a
// no-op that returns nil.
func (m *Manager) End(ctx context.Context, sc scope.SessionScope) (*Flush, error) {
	var out *Flush
	err := m.st.Update(ctx, func(tx *store.Tx) error {
		live, err := tx.LiveSessions(ctx, sc)
		if err != nil {
			return err
		}
		for _, sess := range live {
			f, err := m.finish(ctx, tx, sess, "session ended")
			if err != nil {
				return err
			}
			if out == nil {
				out = f
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out != nil {
		m.log().Info("session ended",
			"session", out.SessionID,
			"scope", sc,
			"promoted", len(out.Promoted),
			"pending", len(out.Pending))
	}
	return out, nil
}

// Recover closes a crashed or stale session by id. Proposals at or above
// PromoteConfidence are promoted and the rest archived. Recovering a
// session that is already closed changes nothing.
func (m *Manager) Recover(ctx context.Context, id string) (*Flush, error) {
	var out *Flush
	err := m.st.Update(ctx, func(tx *store.Tx) error {
		sess, err := tx.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if sess.Status == store.SessionEnded {
			out = &Flush{SessionID: id, Already: true}
			return nil
		}
		if sess.Status.Live() && !m.stale(sess, tx.Now()) {
			return fmt.Errorf("%w: session %s is still receiving activity", ErrSessionActive, id)
		}
		out, err = m.recover(ctx, tx, sess, "recovered: session crashed")
		return err
	})
	if err != nil {
		return nil, err
	}
	if !out.Already {
		m.log().Info("session recovered",
			"session", id,
			"promoted", len(out.Promoted),
			"archived", len(out.Archived))
	}
	return out, nil
}

// Discard closes a crashed or stale session without promoting anything:
// every pending proposal is archived.
func (m *Manager) Discard(ctx context.Context, id string) (*Flush, error) {
	var out *Flush
	err := m.st.Update(ctx, func(tx *store.Tx) error {
		sess, err := tx.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if sess.Status == store.SessionEnded {
			out = &Flush{SessionID: id, Already: true}
			return nil
		}
		if sess.Status.Live() && !m.stale(sess, tx.Now()) {
			return fmt.Errorf("%w: session %s is still receiving activity", ErrSessionActive, id)
		}
		out, err = m.close(ctx, tx, sess, "discarded: session crashed", closeDiscard)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Current returns the live session of sc.
func (m *Manager) Current(ctx context.Context, sc scope.SessionScope) (*store.SessionRecord, error) {
	var out *store.SessionRecord
	err := m.st.Update(ctx, func(tx *store.Tx) error {
		sess, err := current(ctx, tx, sc)
		out = sess
		return err
	})
	return out, err
}

// List returns recent sessions, newest first.
func (m *Manager) List(ctx context.Context, limit int, statuses ...store.SessionStatus) ([]*store.SessionRecord, error) {
	return m.st.ListSessions(ctx, limit, statuses...)
}

// Proposals returns the proposals of a session with the given status, or
// all of them when status is empty.
func (m *Manager) Proposals(ctx context.Context, sessionID string, status store.ProposalStatus) ([]*store.Proposal, error) {
	return m.st.ListProposals(ctx, sessionID, status)
}

func current(ctx context.Context, tx *store.Tx, sc scope.SessionScope) (*store.SessionRecord, error) {
	live, err := tx.LiveSessions(ctx, sc)
	if err != nil {
		return nil, err
	}
	if len(live) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoActiveSession, sc)
	}
	return live[0], nil
}

type closeMode int

const (
	// closeEnd promotes confident proposals and keeps the rest pending.
	closeEnd closeMode = iota
	// closeRecover promotes confident proposals and archives the rest.
	closeRecover
	// closeDiscard archives every proposal.
	closeDiscard
)

func (m *Manager) finish(ctx context.Context, tx *store.Tx, sess *store.SessionRecord, reason string) (*Flush, error) {
	return m.close(ctx, tx, sess, reason, closeEnd)
}

func (m *Manager) recover(ctx context.Context, tx *store.Tx, sess *store.SessionRecord, reason string) (*Flush, error) {
	if sess.Status != store.SessionCrashed {
		if err := tx.SetSessionStatus(ctx, sess.ID, store.SessionCrashed, nil); err != nil {
			return nil, err
		}
		sess.Status = store.SessionCrashed
	}
	return m.close(ctx, tx, sess, reason, closeRecover)
}

// close flushes the pending proposals of sess, marks it ended and archives
// it. Promotion reuses the proposal id as the memory id, so a replay after
// a partial failure never creates a duplicate.
func (m *Manager) close(ctx context.Context, tx *store.Tx, sess *store.SessionRecord, reason string, mode closeMode) (*Flush, error) {
	f := &Flush{SessionID: sess.ID, Reason: reason}

	pending, err := tx.Proposals(ctx, sess.ID, store.ProposalPending)
	if err != nil {
		return nil, err
	}
	for _, p := range pending {
		switch {
		case mode != closeDiscard && p.Confidence >= m.cfg.PromoteConfidence:
			if _, err := tx.Create(ctx, p.Memory()); err != nil {
				return nil, fmt.Errorf("failed to promote proposal %s: %w", p.ID, err)
			}
			if err := tx.SetProposalStatus(ctx, p.ID, store.ProposalPromoted); err != nil {
				return nil, err
			}
			f.Promoted = append(f.Promoted, p.ID)
		case mode == closeEnd:
			f.Pending = append(f.Pending, p.ID)
		default:
			if err := tx.ArchiveProposal(ctx, p, reason); err != nil {
				return nil, err
			}
			f.Archived = append(f.Archived, p.ID)
		}
	}

	now := tx.Now()
	if err := tx.SetSessionStatus(ctx, sess.ID, store.SessionEnded, &now); err != nil {
		return nil, err
	}
	sess.Status = store.SessionEnded
	sess.EndedAt = &now
	if err := tx.ArchiveSession(ctx, sess, reason); err != nil {
		return nil, err
	}
	return f, nil
}

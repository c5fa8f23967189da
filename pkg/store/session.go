package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dan-solli/lore/pkg/archive"
	"github.com/dan-solli/lore/pkg/scope"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionIdle    SessionStatus = "idle"
	SessionCrashed SessionStatus = "crashed"
	SessionEnded   SessionStatus = "ended"
)

// Live reports whether the status holds the scope's session slot.
func (s SessionStatus) Live() bool {
	return s == SessionActive || s == SessionIdle
}

// SessionRecord is one assistant session.
type SessionRecord struct {
	ID           string             `json:"id"`
	Scope        scope.SessionScope `json:"scope"`
	ProjectPath  string             `json:"project_path,omitempty"`
	Status       SessionStatus      `json:"status"`
	CreatedAt    time.Time          `json:"created_at"`
	LastActivity time.Time          `json:"last_activity"`
	TurnCount    int                `json:"turn_count"`
	EndedAt      *time.Time         `json:"ended_at,omitempty"`
}

// ActivityKind classifies an activity log entry.
type ActivityKind string

const (
	ActivityTurn ActivityKind = "turn"
	ActivityTool ActivityKind = "tool"
	ActivityFile ActivityKind = "file"
)

// ActivityEvent is one append-only activity log entry.
type ActivityEvent struct {
	Kind   ActivityKind `json:"kind"`
	Detail string       `json:"detail,omitempty"`
	At     time.Time    `json:"at"`
}

// ProposalStatus tracks a pending learning output.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalPromoted ProposalStatus = "promoted"
	ProposalArchived ProposalStatus = "archived"
)

// Proposal is a candidate memory produced during a session and not yet
// accepted into the store.
type Proposal struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Content    string         `json:"content"`
	Category   Category       `json:"category"`
	Scope      scope.Scope    `json:"scope"`
	Confidence float64        `json:"confidence"`
	Status     ProposalStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Memory converts the proposal into the record it becomes on promotion.
// The memory reuses the proposal id, which makes promotion replay-safe.
func (p *Proposal) Memory() *MemoryRecord {
	return &MemoryRecord{
		ID:         p.ID,
		Content:    p.Content,
		Category:   p.Category,
		Scope:      p.Scope,
		Confidence: p.Confidence,
		CreatedAt:  p.CreatedAt,
	}
}

const sessionColumns = `id, scope, project_path, status, created_at, last_activity, turn_count, ended_at`

func scanSession(row rowScanner) (*SessionRecord, error) {
	var (
		sess         SessionRecord
		rawScope     string
		status       string
		createdAt    string
		lastActivity string
		endedAt      sql.NullString
	)
	if err := row.Scan(&sess.ID, &rawScope, &sess.ProjectPath, &status, &createdAt, &lastActivity, &sess.TurnCount, &endedAt); err != nil {
		return nil, err
	}

	var err error
	if sess.Scope, err = scope.ParseSession(rawScope); err != nil {
		return nil, corrupt("session", sess.ID, err)
	}
	sess.Status = SessionStatus(status)
	switch sess.Status {
	case SessionActive, SessionIdle, SessionCrashed, SessionEnded:
	default:
		return nil, corrupt("session", sess.ID, fmt.Errorf("unknown status %q", status))
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, corrupt("session", sess.ID, err)
	}
	if sess.LastActivity, err = parseTime(lastActivity); err != nil {
		return nil, corrupt("session", sess.ID, err)
	}
	if endedAt.Valid && endedAt.String != "" {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return nil, corrupt("session", sess.ID, err)
		}
		sess.EndedAt = &t
	}
	return &sess, nil
}

func (s *Store) querySessions(ctx context.Context, q querier, query string, args ...any) ([]*SessionRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		sess, err := scanSession(rows)
		if errors.Is(err, ErrCorrupt) {
			s.warn("skipping corrupt session", "error", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func getSession(ctx context.Context, q querier, id string) (*SessionRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, wrapDBErr("get session", err)
	}
	return sess, nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	return getSession(ctx, s.db, id)
}

// ListSessions returns sessions newest first, optionally restricted to the
// given statuses. limit <= 0 means no limit.
func (s *Store) ListSessions(ctx context.Context, limit int, statuses ...SessionStatus) ([]*SessionRecord, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	sessions, err := s.querySessions(ctx, s.db, query, args...)
	if err != nil {
		return nil, wrapDBErr("list sessions", err)
	}
	return sessions, nil
}

// Activity returns the activity log of a session in order.
func (s *Store) Activity(ctx context.Context, sessionID string) ([]ActivityEvent, error) {
	return activity(ctx, s.db, sessionID)
}

func activity(ctx context.Context, q querier, sessionID string) ([]ActivityEvent, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT kind, detail, at FROM session_activity WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, wrapDBErr("read activity log", err)
	}
	defer rows.Close()

	var out []ActivityEvent
	for rows.Next() {
		var ev ActivityEvent
		var kind, at string
		if err := rows.Scan(&kind, &ev.Detail, &at); err != nil {
			return nil, wrapDBErr("read activity log", err)
		}
		ev.Kind = ActivityKind(kind)
		t, err := parseTime(at)
		if err != nil {
			continue
		}
		ev.At = t
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr("read activity log", err)
	}
	return out, nil
}

// ListProposals returns the proposals of a session, optionally only those
// with the given status.
func (s *Store) ListProposals(ctx context.Context, sessionID string, status ProposalStatus) ([]*Proposal, error) {
	return s.proposals(ctx, s.db, sessionID, status)
}

func (s *Store) proposals(ctx context.Context, q querier, sessionID string, status ProposalStatus) ([]*Proposal, error) {
	query := `SELECT id, session_id, content, category, scope, confidence, status, created_at
		FROM proposals WHERE session_id = ?`
	args := []any{sessionID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBErr("list proposals", err)
	}
	defer rows.Close()

	var out []*Proposal
	for rows.Next() {
		var (
			p         Proposal
			category  string
			rawScope  string
			pstatus   string
			createdAt string
		)
		if err := rows.Scan(&p.ID, &p.SessionID, &p.Content, &category, &rawScope, &p.Confidence, &pstatus, &createdAt); err != nil {
			return nil, wrapDBErr("list proposals", err)
		}
		var perr error
		p.Category = Category(category)
		p.Status = ProposalStatus(pstatus)
		if p.Scope, perr = scope.Parse(rawScope); perr == nil {
			p.CreatedAt, perr = parseTime(createdAt)
		}
		if perr != nil || !p.Category.Valid() {
			s.warn("skipping corrupt proposal", "id", p.ID, "error", perr)
			continue
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr("list proposals", err)
	}
	return out, nil
}

// LiveSessions returns the active or idle sessions of a scope, newest
// first. More than one result means the single-session invariant was
// broken by something outside this package.
func (t *Tx) LiveSessions(ctx context.Context, sc scope.SessionScope) ([]*SessionRecord, error) {
	sessions, err := t.s.querySessions(ctx, t.tx,
		`SELECT `+sessionColumns+` FROM sessions WHERE scope = ? AND status IN ('active', 'idle') ORDER BY created_at DESC`,
		sc.String())
	if err != nil {
		return nil, wrapDBErr("list live sessions", err)
	}
	return sessions, nil
}

// AllLiveSessions returns every active or idle session.
func (t *Tx) AllLiveSessions(ctx context.Context) ([]*SessionRecord, error) {
	sessions, err := t.s.querySessions(ctx, t.tx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status IN ('active', 'idle') ORDER BY created_at`)
	if err != nil {
		return nil, wrapDBErr("list live sessions", err)
	}
	return sessions, nil
}

// GetSession returns a session by id.
func (t *Tx) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	return getSession(ctx, t.tx, id)
}

// InsertSession creates a session row. A second live session in the same
// scope is rejected by the schema and reported as ErrInvariantViolation.
func (t *Tx) InsertSession(ctx context.Context, sess *SessionRecord) error {
	var endedAt any
	if sess.EndedAt != nil {
		endedAt = formatTime(*sess.EndedAt)
	}
	_, err := t.tx.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Scope.String(), sess.ProjectPath, string(sess.Status),
		formatTime(sess.CreatedAt), formatTime(sess.LastActivity), sess.TurnCount, endedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: scope %s already has a live session", ErrInvariantViolation, sess.Scope)
	}
	return wrapDBErr("insert session", err)
}

// SetSessionStatus moves a session to a new status. endedAt is recorded
// when non-nil.
func (t *Tx) SetSessionStatus(ctx context.Context, id string, status SessionStatus, endedAt *time.Time) error {
	var ended any
	if endedAt != nil {
		ended = formatTime(*endedAt)
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, ended_at = COALESCE(?, ended_at) WHERE id = ?`,
		string(status), ended, id)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: cannot revive session %s", ErrInvariantViolation, id)
	}
	if err != nil {
		return wrapDBErr("update session status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// RecordActivity appends an event to the activity log, moves
// last_activity forward and counts turns. An idle session becomes active.
func (t *Tx) RecordActivity(ctx context.Context, sessionID string, ev ActivityEvent) error {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO session_activity (session_id, kind, detail, at) VALUES (?, ?, ?, ?)`,
		sessionID, string(ev.Kind), ev.Detail, formatTime(ev.At)); err != nil {
		return wrapDBErr("append activity", err)
	}

	turns := 0
	if ev.Kind == ActivityTurn {
		turns = 1
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sessions
		SET last_activity = MAX(last_activity, ?), turn_count = turn_count + ?, status = 'active'
		WHERE id = ? AND status IN ('active', 'idle')
	`, formatTime(ev.At), turns, sessionID)
	if err != nil {
		return wrapDBErr("update session activity", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Activity returns the activity log of a session.
func (t *Tx) Activity(ctx context.Context, sessionID string) ([]ActivityEvent, error) {
	return activity(ctx, t.tx, sessionID)
}

// InsertProposal stores a pending proposal.
func (t *Tx) InsertProposal(ctx context.Context, p *Proposal) error {
	if strings.TrimSpace(p.Content) == "" {
		return fmt.Errorf("%w: proposal content cannot be empty", ErrInvalidRecord)
	}
	if !p.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidRecord, p.Category)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be within [0,1], got %v", ErrInvalidRecord, p.Confidence)
	}
	if err := p.Scope.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if p.Status == "" {
		p.Status = ProposalPending
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO proposals (id, session_id, content, category, scope, confidence, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.SessionID, p.Content, string(p.Category), p.Scope.String(), p.Confidence,
		string(p.Status), formatTime(p.CreatedAt))
	return wrapDBErr("insert proposal", err)
}

// Proposals returns the proposals of a session with the given status.
func (t *Tx) Proposals(ctx context.Context, sessionID string, status ProposalStatus) ([]*Proposal, error) {
	return t.s.proposals(ctx, t.tx, sessionID, status)
}

// SetProposalStatus records a promotion or archival decision.
func (t *Tx) SetProposalStatus(ctx context.Context, id string, status ProposalStatus) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE proposals SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return wrapDBErr("update proposal status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProposalNotFound
	}
	return nil
}

// ArchiveProposal writes the proposal to the archive area and marks it
// archived. Replays find the file already present and succeed.
func (t *Tx) ArchiveProposal(ctx context.Context, p *Proposal, reason string) error {
	err := t.s.archive.Write(ctx, &archive.Entry{
		Meta: archive.Meta{
			ID:         p.ID,
			Kind:       archive.KindProposal,
			Reason:     reason,
			ArchivedAt: t.s.now().UTC(),
			Scope:      p.Scope.String(),
			Category:   string(p.Category),
			Confidence: p.Confidence,
			CreatedAt:  p.CreatedAt,
			SessionID:  p.SessionID,
		},
		Content: p.Content,
	})
	if err != nil && !errors.Is(err, archive.ErrAlreadyExists) {
		return fmt.Errorf("failed to archive proposal %s: %w", p.ID, err)
	}
	return t.SetProposalStatus(ctx, p.ID, ProposalArchived)
}

// ArchiveSession writes the session and its activity log to the archive
// area. The session row stays in place as the lifecycle record.
func (t *Tx) ArchiveSession(ctx context.Context, sess *SessionRecord, reason string) error {
	events, err := t.Activity(ctx, sess.ID)
	if err != nil {
		return err
	}
	var log strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&log, "- %s %s", ev.At.UTC().Format(time.RFC3339), ev.Kind)
		if ev.Detail != "" {
			fmt.Fprintf(&log, " %s", ev.Detail)
		}
		log.WriteString("\n")
	}

	meta := archive.Meta{
		ID:          sess.ID,
		Kind:        archive.KindSession,
		Reason:      reason,
		ArchivedAt:  t.s.now().UTC(),
		Scope:       sess.Scope.String(),
		Status:      string(sess.Status),
		ProjectPath: sess.ProjectPath,
		TurnCount:   sess.TurnCount,
		CreatedAt:   sess.CreatedAt,
	}
	if sess.EndedAt != nil {
		meta.EndedAt = *sess.EndedAt
	}
	err = t.s.archive.Write(ctx, &archive.Entry{Meta: meta, Content: log.String()})
	if err != nil && !errors.Is(err, archive.ErrAlreadyExists) {
		return fmt.Errorf("failed to archive session %s: %w", sess.ID, err)
	}
	return nil
}

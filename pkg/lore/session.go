package lore

import (
	"context"
	"time"

	"github.com/dan-solli/lore/pkg/scope"
	"github.com/dan-solli/lore/pkg/session"
	"github.com/dan-solli/lore/pkg/store"
)

// The session methods below delegate to the manager and add metrics.

func (e *Engine) StartSession(ctx context.Context, sc scope.SessionScope, projectPath string) (s *session.Started, err error) {
	defer func(start time.Time) { e.observe(ctx, "session_start", start, err) }(time.Now())
	return e.sessions.Start(ctx, sc, projectPath)
}

func (e *Engine) RecordActivity(ctx context.Context, sc scope.SessionScope, ev store.ActivityEvent) (err error) {
	defer func(start time.Time) { e.observe(ctx, "session_activity", start, err) }(time.Now())
	return e.sessions.Activity(ctx, sc, ev)
}

func (e *Engine) Propose(ctx context.Context, sc scope.SessionScope, p *store.Proposal) (err error) {
	defer func(start time.Time) { e.observe(ctx, "session_propose", start, err) }(time.Now())
	return e.sessions.Propose(ctx, sc, p)
}

func (e *Engine) EndSession(ctx context.Context, sc scope.SessionScope) (f *session.Flush, err error) {
	defer func(start time.Time) { e.observe(ctx, "session_end", start, err) }(time.Now())
	return e.sessions.End(ctx, sc)
}

func (e *Engine) RecoverSession(ctx context.Context, id string) (f *session.Flush, err error) {
	defer func(start time.Time) { e.observe(ctx, "session_recover", start, err) }(time.Now())
	return e.sessions.Recover(ctx, id)
}

// WatchSessions runs the idle watcher at the configured interval until ctx
// is done.
func (e *Engine) WatchSessions(ctx context.Context) error {
	return e.sessions.Watch(ctx, e.cfg.Session.WatchInterval)
}

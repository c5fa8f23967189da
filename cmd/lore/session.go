package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/dan-solli/lore/pkg/scope"
	"github.com/dan-solli/lore/pkg/store"
)

func (a *app) session(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("session needs a subcommand: start|activity|propose|end|recover|discard|watch|list")
	}
	sub, args := args[0], args[1:]

	fs := flag.NewFlagSet("session "+sub, flag.ExitOnError)
	sessionScope := fs.String("scope", "", "session scope: global or project:<name> (default from -dir)")
	dir := fs.String("dir", ".", "project directory")

	switch sub {
	case "start":
		fs.Parse(args)
		sc, err := a.sessionScope(*sessionScope, *dir)
		if err != nil {
			return err
		}
		started, err := a.engine.StartSession(ctx, sc, a.engine.Context(*dir, "", "").ProjectPath)
		if err != nil {
			return err
		}
		return printJSON(started)

	case "activity":
		kind := fs.String("kind", string(store.ActivityTurn), "turn, tool or file")
		fs.Parse(args)
		sc, err := a.sessionScope(*sessionScope, *dir)
		if err != nil {
			return err
		}
		return a.engine.RecordActivity(ctx, sc, store.ActivityEvent{
			Kind:   store.ActivityKind(*kind),
			Detail: strings.Join(fs.Args(), " "),
		})

	case "propose":
		category := fs.String("category", string(store.CategoryCorrection), "memory category")
		confidence := fs.Float64("confidence", 0.5, "confidence in [0,1]")
		target := fs.String("memory-scope", "", "scope of the memory (default: the session's scope)")
		fs.Parse(args)
		if fs.NArg() == 0 {
			return fmt.Errorf("propose needs the memory content")
		}
		sc, err := a.sessionScope(*sessionScope, *dir)
		if err != nil {
			return err
		}
		memScope := sc.Memory()
		if *target != "" {
			if memScope, err = scope.Parse(*target); err != nil {
				return err
			}
		}
		p := &store.Proposal{
			Content:    strings.Join(fs.Args(), " "),
			Category:   store.Category(*category),
			Scope:      memScope,
			Confidence: *confidence,
		}
		if err := a.engine.Propose(ctx, sc, p); err != nil {
			return err
		}
		return printJSON(p)

	case "end":
		fs.Parse(args)
		sc, err := a.sessionScope(*sessionScope, *dir)
		if err != nil {
			return err
		}
		f, err := a.engine.EndSession(ctx, sc)
		if err != nil || f == nil {
			return err
		}
		return printJSON(f)

	case "recover", "discard":
		fs.Parse(args)
		if fs.NArg() != 1 {
			return fmt.Errorf("session %s needs a session id", sub)
		}
		recoverFn := a.engine.RecoverSession
		if sub == "discard" {
			recoverFn = a.engine.Sessions().Discard
		}
		f, err := recoverFn(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		return printJSON(f)

	case "watch":
		fs.Parse(args)
		a.logger.Info("watching for idle sessions", "interval", a.cfg.Session.WatchInterval)
		if err := a.engine.WatchSessions(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil

	case "list":
		limit := fs.Int("limit", 20, "maximum sessions")
		live := fs.Bool("live", false, "only active and idle sessions")
		fs.Parse(args)
		var statuses []store.SessionStatus
		if *live {
			statuses = []store.SessionStatus{store.SessionActive, store.SessionIdle}
		}
		sessions, err := a.engine.Sessions().List(ctx, *limit, statuses...)
		if err != nil {
			return err
		}
		return printJSON(sessions)
	}
	return fmt.Errorf("unknown session subcommand %q", sub)
}

// sessionScope resolves the scope flag, defaulting to the project detected
// from dir.
func (a *app) sessionScope(raw, dir string) (scope.SessionScope, error) {
	if raw != "" {
		return scope.ParseSession(raw)
	}
	c := a.engine.Context(dir, "", "")
	if c.Project == "" {
		return scope.Global, nil
	}
	return scope.ForProject(c.Project), nil
}

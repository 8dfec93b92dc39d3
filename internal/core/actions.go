package core

import (
	"context"
	"fmt"

	"cc-client/internal/security"
	"cc-client/internal/terminal"
)

// Attach makes sessionID the attached session: the buffer is cleared and
// attach plus resize are sent. Repeating it with nothing received in
// between changes nothing.
func (s *Synchronizer) Attach(sessionID string) error {
	return s.do(func() { s.attach(sessionID) })
}

func (s *Synchronizer) attach(sessionID string) {
	if sessionID == s.attached && s.attachFresh {
		return
	}
	s.attached = sessionID
	s.buffer.Clear()
	s.sendAttach(sessionID)
	s.notify(ChangeAttachment, sessionID, "")
}

// SendTerminalInput forwards keystrokes to the attached session.
func (s *Synchronizer) SendTerminalInput(p []byte) {
	data := append([]byte(nil), p...)
	s.post(func() {
		if s.attached == "" || len(data) == 0 {
			return
		}
		s.transport.Send(TermInEnvelope(s.attached, data))
	})
}

// SendResize records the terminal size and forwards it to the attached
// session.
func (s *Synchronizer) SendResize(cols, rows int) {
	s.post(func() { s.resize(cols, rows) })
}

func (s *Synchronizer) resize(cols, rows int) {
	if cols <= 0 || rows <= 0 {
		return
	}
	s.cols, s.rows = cols, rows
	if s.attached == "" {
		return
	}
	s.transport.Send(ResizeEnvelope(s.attached, cols, rows))
}

// SendAction sends a bare action for sessionID; the control plane applies
// it to the session's current pending approval.
func (s *Synchronizer) SendAction(sessionID, kind string) {
	s.post(func() {
		s.transport.Send(ActionEnvelope(sessionID, kind, ""))
	})
}

// ResolveApproval sends kind ("approve", "reject") for one approval. The
// entry turns resolved when the session reports it is no longer waiting.
func (s *Synchronizer) ResolveApproval(eventID, kind string) error {
	var result error
	if err := s.do(func() {
		ev, ok := s.approvals[eventID]
		switch {
		case !ok:
			result = ErrUnknownApproval
		case ev.Resolved:
			result = ErrApprovalResolved
		case !s.started:
			result = ErrNotStarted
		case !s.connected:
			result = ErrNotConnected
		case !s.guard.Allow(eventID):
			result = ErrDuplicateAction
		case !s.transport.Send(ActionEnvelope(ev.SessionID, kind, eventID)):
			s.guard.Release(eventID)
			result = ErrNotConnected
		default:
			s.logger.Info("approval action sent", "session_id", ev.SessionID, "event_id", eventID, "kind", kind)
		}
	}); err != nil {
		return err
	}
	return result
}

// CreateSession starts a session on the selected server, refreshes the
// list and attaches to it.
func (s *Synchronizer) CreateSession(ctx context.Context, ns NewSession) (Session, error) {
	var (
		serverID   string
		roots      []string
		cols, rows int
	)
	if err := s.do(func() {
		serverID = s.selectedServer
		cols, rows = s.cols, s.rows
		for _, srv := range s.servers {
			if srv.ServerID == serverID {
				roots = srv.AllowRoots
			}
		}
	}); err != nil {
		return Session{}, err
	}
	if serverID == "" {
		return Session{}, ErrNoServerSelected
	}
	if err := security.ValidateRemoteCWD(ns.Cwd, roots); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return s.start(ctx, StartSessionRequest{
		ServerID: serverID,
		Cwd:      ns.Cwd,
		ResumeID: ns.ResumeID,
		Env:      ns.Env,
		Cols:     cols,
		Rows:     rows,
	})
}

// ResumeSession starts a new session continuing sess's conversation, on
// sess's server or the selected one.
func (s *Synchronizer) ResumeSession(ctx context.Context, sess Session) (Session, error) {
	if sess.Cwd == "" || sess.ResumeID == "" {
		return Session{}, ErrResumeUnavailable
	}
	var (
		serverID   = sess.ServerID
		cols, rows int
	)
	if err := s.do(func() {
		if serverID == "" {
			serverID = s.selectedServer
		}
		cols, rows = s.cols, s.rows
	}); err != nil {
		return Session{}, err
	}
	if serverID == "" {
		return Session{}, ErrNoServerSelected
	}
	return s.start(ctx, StartSessionRequest{
		ServerID: serverID,
		Cwd:      sess.Cwd,
		ResumeID: sess.ResumeID,
		Env:      map[string]string{},
		Cols:     cols,
		Rows:     rows,
	}, func() { s.selectedServer = serverID })
}

func (s *Synchronizer) start(ctx context.Context, req StartSessionRequest, onCreated ...func()) (Session, error) {
	created, err := s.api.CreateSession(ctx, req)
	if err != nil {
		s.logger.Warn("create session failed", "server_id", req.ServerID, "err", err)
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	s.logger.Info("session created", "session_id", created.SessionID, "server_id", created.ServerID)
	if err := s.do(func() {
		for _, fn := range onCreated {
			fn()
		}
	}); err != nil {
		return created, err
	}
	_ = s.RefreshSessions(ctx)
	return created, s.Attach(created.SessionID)
}

// StopSession asks the agent to stop the session with the default grace
// and kill timeouts.
func (s *Synchronizer) StopSession(ctx context.Context, sessionID string) error {
	err := s.api.StopSession(ctx, sessionID, StopSessionRequest{
		GraceMS:     DefaultGraceMS,
		KillAfterMS: DefaultKillAfterMS,
	})
	if err != nil {
		s.logger.Warn("stop session failed", "session_id", sessionID, "err", err)
		return fmt.Errorf("stop session: %w", err)
	}
	_ = s.RefreshSessions(ctx)
	return nil
}

// DeleteSession removes a session that is no longer running. Approvals
// that reference it are kept.
func (s *Synchronizer) DeleteSession(ctx context.Context, sessionID string) error {
	var running bool
	if err := s.do(func() {
		for _, sess := range s.sessions {
			if sess.SessionID == sessionID {
				running = sess.Running()
			}
		}
	}); err != nil {
		return err
	}
	if running {
		return ErrSessionRunning
	}
	if err := s.api.DeleteSession(ctx, sessionID, StopSessionRequest{}); err != nil {
		s.logger.Warn("delete session failed", "session_id", sessionID, "err", err)
		return fmt.Errorf("delete session: %w", err)
	}
	if err := s.do(func() {
		kept := make([]Session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			if sess.SessionID != sessionID {
				kept = append(kept, sess)
			}
		}
		s.sessions = kept
		if s.attached == sessionID {
			s.attached = ""
			s.attachFresh = false
			s.buffer.Clear()
			s.notify(ChangeAttachment, "", "")
		}
		s.notify(ChangeSessions, sessionID, "")
	}); err != nil {
		return err
	}
	_ = s.RefreshSessions(ctx)
	return nil
}

// LoadEvents fetches a session's event history and folds its approvals
// into the mirror.
func (s *Synchronizer) LoadEvents(ctx context.Context, sessionID string) ([]SessionEvent, error) {
	events, err := s.api.ListEvents(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	err = s.do(func() {
		changed := false
		for _, ev := range events {
			if ev.Kind == KindApprovalNeeded {
				s.upsertApproval(ev)
				changed = true
			}
		}
		if changed {
			s.notify(ChangeApprovals, sessionID, "")
		}
	})
	return events, err
}

// LoadPendingApprovals loads events for every mirrored session that is
// waiting for approval.
func (s *Synchronizer) LoadPendingApprovals(ctx context.Context) error {
	var waiting []string
	if err := s.do(func() {
		for _, sess := range s.sessions {
			if sess.AwaitingApproval {
				waiting = append(waiting, sess.SessionID)
			}
		}
	}); err != nil {
		return err
	}
	for _, id := range waiting {
		if _, err := s.LoadEvents(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// AttachRenderer hands the output buffer a renderer and adopts its size.
func (s *Synchronizer) AttachRenderer(r terminal.Renderer) {
	s.post(func() {
		if r == nil {
			s.buffer.Detach()
			return
		}
		if cols, rows := r.Size(); cols > 0 && rows > 0 && (cols != s.cols || rows != s.rows) {
			s.resize(cols, rows)
		}
		s.buffer.Attach(r)
	})
}

func (s *Synchronizer) DetachRenderer() {
	s.post(s.buffer.Detach)
}

func (s *Synchronizer) UpdateScrollPosition(position float64, canScroll bool) {
	s.post(func() { s.buffer.UpdateScrollPosition(position, canScroll) })
}

// PrepareForAttach is called before a view attaches to a different session.
func (s *Synchronizer) PrepareForAttach() {
	s.post(s.buffer.PrepareForAttach)
}

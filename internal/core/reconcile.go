package core

// applyMessage folds one push into the mirror. It never fails: unknown
// sessions and stray output are dropped.
func (s *Synchronizer) applyMessage(msg Message) {
	switch m := msg.(type) {
	case TermOut:
		if s.attached == "" || m.SessionID != s.attached {
			s.metrics.TermOutDiscarded()
			return
		}
		s.attachFresh = false
		s.metrics.TermOut(len(m.Data))
		s.buffer.Feed(m.Data)
	case EventMessage:
		if m.Event.Kind != KindApprovalNeeded {
			return
		}
		s.upsertApproval(m.Event)
		s.notify(ChangeApprovals, m.Event.SessionID, "")
	case SessionUpdate:
		s.applySessionUpdate(m)
	case AttachOK:
		s.logger.Debug("attach acknowledged", "session_id", m.SessionID, "latest_seq", m.LatestSeq)
	case ErrorMessage:
		s.logger.Warn("control plane error", "session_id", m.SessionID, "err", m.Message)
		if m.SessionID != "" && m.SessionID == s.attached {
			// A rejected attach must be retryable.
			s.attachFresh = false
		}
		s.notify(ChangeNotice, m.SessionID, m.Message)
	}
}

// upsertApproval stores ev by event id. A resolved entry stays resolved.
func (s *Synchronizer) upsertApproval(ev SessionEvent) {
	if old, ok := s.approvals[ev.EventID]; ok && old.Resolved {
		ev.Resolved = true
	}
	s.approvals[ev.EventID] = &ev
	s.metrics.SetPendingApprovals(s.pendingCount())
}

func (s *Synchronizer) applySessionUpdate(u SessionUpdate) {
	for i := range s.sessions {
		if s.sessions[i].SessionID == u.SessionID {
			patchSession(&s.sessions[i], u)
			break
		}
	}
	if u.AwaitingApproval != nil && !*u.AwaitingApproval {
		if s.resolveApprovalsFor(u.SessionID) {
			s.notify(ChangeApprovals, u.SessionID, "")
		}
	}
	s.notify(ChangeSessions, u.SessionID, "")
	s.scheduleRefresh()
}

// patchSession applies the supplied fields of u and keeps the rest.
func patchSession(sess *Session, u SessionUpdate) {
	if u.Status != "" {
		sess.Status = u.Status
	}
	if u.ExitCode != nil {
		code := *u.ExitCode
		sess.ExitCode = &code
	}
	if u.ExitReason != nil {
		sess.ExitReason = *u.ExitReason
	}
	if u.ResumeID != nil {
		sess.ResumeID = *u.ResumeID
	}
	if u.PendingEventID != nil {
		sess.PendingEventID = *u.PendingEventID
	}
	if u.AwaitingApproval != nil {
		sess.AwaitingApproval = *u.AwaitingApproval
	}
}

func (s *Synchronizer) resolveApprovalsFor(sessionID string) bool {
	changed := false
	for _, ev := range s.approvals {
		if ev.SessionID == sessionID && !ev.Resolved {
			ev.Resolved = true
			changed = true
		}
	}
	if changed {
		s.metrics.SetPendingApprovals(s.pendingCount())
	}
	return changed
}

// connectionChanged re-attaches after a reconnect: the server side attach
// does not survive a dropped socket.
func (s *Synchronizer) connectionChanged(connected bool) {
	if !connected {
		s.attachFresh = false
		s.setConnected(false)
		return
	}
	s.setConnected(true)
	if s.attached != "" {
		s.buffer.Clear()
		s.sendAttach(s.attached)
	}
}

func (s *Synchronizer) sendAttach(sessionID string) {
	ok := s.transport.Send(AttachEnvelope(sessionID))
	ok = s.transport.Send(ResizeEnvelope(sessionID, s.cols, s.rows)) && ok
	s.attachFresh = ok
}

package core

import "errors"

var (
	ErrNoServerSelected  = errors.New("no server selected")
	ErrResumeUnavailable = errors.New("session has no cwd or resume id")
	ErrSessionRunning    = errors.New("session is running; stop it first")
	ErrUnknownSession    = errors.New("unknown session")
	ErrAmbiguousSession  = errors.New("ambiguous session id")
	ErrUnknownApproval   = errors.New("unknown approval")
	ErrApprovalResolved  = errors.New("approval already resolved")
	ErrDuplicateAction   = errors.New("action already sent for this approval")
	ErrNotConnected      = errors.New("not connected")
	ErrNotStarted        = errors.New("synchronizer not started")
	ErrClosed            = errors.New("synchronizer closed")
)

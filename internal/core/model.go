package core

import "time"

type ServerStatus string

const (
	ServerOnline  ServerStatus = "online"
	ServerOffline ServerStatus = "offline"
	ServerUnknown ServerStatus = "unknown"
)

type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionRunning  SessionStatus = "running"
	SessionStopping SessionStatus = "stopping"
	SessionStopped  SessionStatus = "stopped"
	SessionExited   SessionStatus = "exited"
	SessionError    SessionStatus = "error"
)

// KindApprovalNeeded is the only event kind that feeds the approvals mirror.
const KindApprovalNeeded = "approval_needed"

type Server struct {
	ServerID     string       `json:"server_id"`
	Hostname     string       `json:"hostname"`
	Tags         []string     `json:"tags"`
	OS           string       `json:"os"`
	Arch         string       `json:"arch"`
	AgentVersion string       `json:"agent_version"`
	LastSeenMS   int64        `json:"last_seen_ms"`
	Status       ServerStatus `json:"status"`
	AllowRoots   []string     `json:"allow_roots,omitempty"`
	ClaudePath   string       `json:"claude_path,omitempty"`
}

func (s Server) Online() bool { return s.Status == ServerOnline }

type Session struct {
	SessionID        string        `json:"session_id"`
	ServerID         string        `json:"server_id"`
	Cwd              string        `json:"cwd"`
	Cmd              []string      `json:"cmd"`
	ResumeID         string        `json:"resume_id,omitempty"`
	EnvKeys          []string      `json:"env_keys"`
	Status           SessionStatus `json:"status"`
	CreatedBy        string        `json:"created_by"`
	CreatedAtMS      int64         `json:"created_at_ms"`
	ExitCode         *int          `json:"exit_code,omitempty"`
	ExitReason       string        `json:"exit_reason,omitempty"`
	AwaitingApproval bool          `json:"awaiting_approval"`
	PendingEventID   string        `json:"pending_event_id,omitempty"`
}

func (s Session) Running() bool { return s.Status == SessionRunning }

// ShortID is the 8 character prefix operators use to refer to a session.
func (s Session) ShortID() string {
	if len(s.SessionID) <= 8 {
		return s.SessionID
	}
	return s.SessionID[:8]
}

type SessionEvent struct {
	EventID    string `json:"event_id"`
	SessionID  string `json:"session_id"`
	ServerID   string `json:"server_id"`
	Kind       string `json:"kind"`
	PromptText string `json:"prompt_excerpt,omitempty"`
	Actor      string `json:"actor,omitempty"`
	TsMS       int64  `json:"ts_ms"`
	Resolved   bool   `json:"resolved"`
}

type StartSessionRequest struct {
	ServerID string            `json:"server_id"`
	Cwd      string            `json:"cwd"`
	ResumeID string            `json:"resume_id,omitempty"`
	Env      map[string]string `json:"env"`
	Cols     int               `json:"cols"`
	Rows     int               `json:"rows"`
}

type StopSessionRequest struct {
	GraceMS     int `json:"grace_ms"`
	KillAfterMS int `json:"kill_after_ms"`
}

const (
	DefaultGraceMS     = 4000
	DefaultKillAfterMS = 9000
)

// ConnectionState mirrors the Connection Manager state machine.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (c ConnectionState) String() string {
	switch c {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// FindSession resolves ref as a full session id or a unique id prefix.
func FindSession(sessions []Session, ref string) (Session, error) {
	if ref == "" {
		return Session{}, ErrUnknownSession
	}
	var match []Session
	for _, s := range sessions {
		if s.SessionID == ref {
			return s, nil
		}
		if len(ref) < len(s.SessionID) && s.SessionID[:len(ref)] == ref {
			match = append(match, s)
		}
	}
	switch len(match) {
	case 0:
		return Session{}, ErrUnknownSession
	case 1:
		return match[0], nil
	default:
		return Session{}, ErrAmbiguousSession
	}
}

// NewSession is what an operator supplies to start a session on the
// selected server.
type NewSession struct {
	Cwd      string
	ResumeID string
	Env      map[string]string
}

// Settings is the explicit configuration of a Synchronizer.
type Settings struct {
	BaseURL         string
	Token           string
	TLSSkipVerify   bool
	DenyLoopback    bool
	RefreshDebounce time.Duration
	Cols            int
	Rows            int
}

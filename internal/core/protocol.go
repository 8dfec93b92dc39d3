package core

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Envelope is the common WS message format.
type Envelope struct {
	Type      string          `json:"type"`
	ServerID  string          `json:"server_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	TsMS      int64           `json:"ts_ms,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	DataB64   string          `json:"data_b64,omitempty"`
}

// Message is a decoded inbound push.
type Message interface {
	MessageType() string
}

type TermOut struct {
	SessionID string
	Data      []byte
	Seq       uint64
}

type EventMessage struct {
	Event SessionEvent
}

// SessionUpdate is a partial patch: nil or empty fields were not supplied.
type SessionUpdate struct {
	SessionID        string
	Status           SessionStatus
	ExitCode         *int
	ExitReason       *string
	ResumeID         *string
	AwaitingApproval *bool
	PendingEventID   *string
}

type AttachOK struct {
	SessionID string
	LatestSeq uint64
}

type ErrorMessage struct {
	SessionID string
	Message   string
}

func (TermOut) MessageType() string       { return "term_out" }
func (EventMessage) MessageType() string  { return "event" }
func (SessionUpdate) MessageType() string { return "session_update" }
func (AttachOK) MessageType() string      { return "attach_ok" }
func (ErrorMessage) MessageType() string  { return "error" }

// Decode turns one inbound frame into a Message. It never fails loudly:
// malformed, unknown or ignored frames yield ok=false.
func Decode(frame []byte) (Message, bool) {
	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.UseNumber()
	var env map[string]any
	if err := dec.Decode(&env); err != nil || env == nil {
		return nil, false
	}
	msgType, _ := env["type"].(string)
	sessionID, _ := env["session_id"].(string)
	data, _ := env["data"].(map[string]any)

	switch msgType {
	case "term_out":
		b64, ok := env["data_b64"].(string)
		if !ok || sessionID == "" {
			return nil, false
		}
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, false
		}
		seq, _ := uintField(env, "seq")
		return TermOut{SessionID: sessionID, Data: raw, Seq: seq}, true
	case "event":
		if data == nil {
			return nil, false
		}
		ev, ok := decodeSessionEvent(data)
		if !ok {
			return nil, false
		}
		return EventMessage{Event: ev}, true
	case "session_update":
		if data == nil {
			return nil, false
		}
		upd := decodeSessionUpdate(data, sessionID)
		if upd.SessionID == "" {
			return nil, false
		}
		return upd, true
	case "attach_ok":
		if sessionID == "" && data != nil {
			sessionID, _ = data["session_id"].(string)
		}
		latest, _ := uintField(data, "latest_seq")
		return AttachOK{SessionID: sessionID, LatestSeq: latest}, true
	case "error":
		msg := "unknown error"
		if data != nil {
			if m, ok := data["message"].(string); ok && m != "" {
				msg = m
			}
		}
		return ErrorMessage{SessionID: sessionID, Message: msg}, true
	default:
		// debug_probe and anything unrecognised.
		return nil, false
	}
}

func decodeSessionEvent(d map[string]any) (SessionEvent, bool) {
	eventID, ok1 := d["event_id"].(string)
	sessionID, ok2 := d["session_id"].(string)
	serverID, ok3 := d["server_id"].(string)
	kind, ok4 := d["kind"].(string)
	ts, ok5 := intField(d, "ts_ms")
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || eventID == "" {
		return SessionEvent{}, false
	}
	ev := SessionEvent{
		EventID:   eventID,
		SessionID: sessionID,
		ServerID:  serverID,
		Kind:      kind,
		TsMS:      ts,
	}
	ev.PromptText, _ = d["prompt_excerpt"].(string)
	ev.Actor, _ = d["actor"].(string)
	ev.Resolved, _ = d["resolved"].(bool)
	return ev, true
}

func decodeSessionUpdate(d map[string]any, fallbackID string) SessionUpdate {
	upd := SessionUpdate{SessionID: fallbackID}
	if id, ok := d["session_id"].(string); ok && id != "" {
		upd.SessionID = id
	}
	if status, ok := d["status"].(string); ok {
		upd.Status = SessionStatus(status)
	}
	if code, ok := intField(d, "exit_code"); ok {
		c := int(code)
		upd.ExitCode = &c
	}
	upd.ExitReason = stringPtr(d, "exit_reason")
	upd.ResumeID = stringPtr(d, "resume_id")
	upd.PendingEventID = stringPtr(d, "pending_event_id")
	if v, ok := d["awaiting_approval"].(bool); ok {
		upd.AwaitingApproval = &v
	}
	return upd
}

func stringPtr(d map[string]any, key string) *string {
	s, ok := d[key].(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}

// intField accepts any numeric representation: JSON integers, floats with an
// integral value, and numeric strings.
func intField(d map[string]any, key string) (int64, bool) {
	if d == nil {
		return 0, false
	}
	switch v := d[key].(type) {
	case json.Number:
		return parseInt(v.String())
	case float64:
		return floatToInt(v)
	case string:
		return parseInt(strings.TrimSpace(v))
	default:
		return 0, false
	}
}

func uintField(d map[string]any, key string) (uint64, bool) {
	n, ok := intField(d, key)
	if !ok || n < 0 {
		return 0, false
	}
	return uint64(n), true
}

func parseInt(s string) (int64, bool) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return floatToInt(f)
}

// floatToInt accepts integral values inside the int64 range. 2^63 itself
// is out of range; -2^63 is not.
func floatToInt(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// Outbound frames. Shapes are fixed by the control plane's client handler.

func AttachEnvelope(sessionID string) Envelope {
	data, _ := json.Marshal(struct {
		SessionID string `json:"session_id"`
		SinceSeq  uint64 `json:"since_seq"`
	}{SessionID: sessionID})
	return Envelope{Type: "attach", Data: data}
}

func TermInEnvelope(sessionID string, p []byte) Envelope {
	return Envelope{
		Type:      "term_in",
		SessionID: sessionID,
		DataB64:   base64.StdEncoding.EncodeToString(p),
	}
}

func ResizeEnvelope(sessionID string, cols, rows int) Envelope {
	data, _ := json.Marshal(struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}{Cols: cols, Rows: rows})
	return Envelope{Type: "resize", SessionID: sessionID, Data: data}
}

// ActionEnvelope builds an action frame. eventID is optional; the control
// plane always acts on the session's current pending event.
func ActionEnvelope(sessionID, kind, eventID string) Envelope {
	data, _ := json.Marshal(struct {
		Kind    string `json:"kind"`
		EventID string `json:"event_id,omitempty"`
	}{Kind: kind, EventID: eventID})
	return Envelope{Type: "action", SessionID: sessionID, Data: data}
}

// Encode serializes an outbound envelope as one text frame.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

package ws

import (
	"time"

	"github.com/exam-proctor/backend/internal/monitor"
	"github.com/exam-proctor/backend/internal/session"
	"github.com/exam-proctor/backend/internal/violation"
)

type MessageType string

// Observer messages.
const (
	MsgSnapshot       MessageType = "snapshot"
	MsgSessionStarted MessageType = "session_started"
	MsgWarning        MessageType = "warning"
	MsgViolation      MessageType = "violation"
	MsgSessionEnded   MessageType = "session_ended"
	MsgError          MessageType = "error"
)

// Candidate feed messages, server to browser.
const (
	MsgNotice MessageType = "notice"
	MsgState  MessageType = "state"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq,omitempty"`
	Payload interface{} `json:"payload"`
}

type SnapshotPayload struct {
	Sessions []*session.ExamSession            `json:"sessions"`
	Health   map[string][]monitor.SignalHealth `json:"health,omitempty"`
}

// ViolationPayload is relayed to every observer when a session is
// terminated or warned. Field names follow the browser client's log format.
type ViolationPayload struct {
	SessionID string    `json:"sessionId"`
	Candidate string    `json:"candidate,omitempty"`
	Email     string    `json:"email"`
	Type      string    `json:"type"`
	Time      time.Time `json:"time"`
}

type SessionPayload struct {
	Session *session.ExamSession `json:"session"`
}

type NoticePayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Final   bool   `json:"final,omitempty"`
}

type StatePayload struct {
	State            session.State `json:"state"`
	RemainingSeconds int           `json:"remainingSeconds"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Candidate feed messages, browser to server.
const (
	InFaces     = "faces"     // faces: face detector result
	InAudio     = "audio"     // level or samples (base64, unsigned 8-bit)
	InObjects   = "objects"   // detections: object detector result
	InFrame     = "frame"     // frame: base64 PNG or JPEG, optionally a data URL
	InHeartbeat = "heartbeat" // keeps the candidate online
	InBrowser   = "browser"   // event: tab_hidden, fullscreen_exit, ...
	InAnswers   = "answers"   // answers: current answer sheet
	InSubmit    = "submit"    // manual submission
)

// CandidateMessage is one inbound message on the candidate feed. Which
// fields are set depends on Type.
type CandidateMessage struct {
	Type       string                 `json:"type"`
	Faces      *int                   `json:"faces,omitempty"`
	Level      *float64               `json:"level,omitempty"`
	Samples    []byte                 `json:"samples,omitempty"`
	Detections []violation.Detection  `json:"detections,omitempty"`
	Frame      string                 `json:"frame,omitempty"`
	Event      violation.BrowserEvent `json:"event,omitempty"`
	Answers    []string               `json:"answers,omitempty"`
}

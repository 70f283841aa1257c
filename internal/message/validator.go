// Package message defines the closed set of messages accepted over a
// live session connection and validates their structure.
package message

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Type discriminates the closed message set.
type Type string

const (
	TypeAuth          Type = "auth"
	TypeTranscription Type = "transcription"
	TypeControl       Type = "control"
	TypeSession       Type = "session"
	TypeMathRender    Type = "math_render"
	TypePing          Type = "ping"
	TypePong          Type = "pong"
)

// Stable validation error codes. These are part of the client contract.
const (
	CodeInvalidFormat    = "INVALID_MESSAGE_FORMAT"
	CodeInvalidAuth      = "INVALID_AUTH_MESSAGE"
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
)

// Bounds enforced per category. Free-text fields are measured in
// runes; the token is an opaque ASCII credential measured in bytes.
const (
	MaxTokenLen         = 4096
	MaxTranscriptionLen = 10000
	MaxMarkupLen        = 5000
	MaxTopicLen         = 200
)

// ValidationError is an expected control-flow outcome, never a panic.
type ValidationError struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

type AuthPayload struct {
	Token string `json:"token"`
}

type TranscriptionPayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	Final     bool   `json:"final"`
}

type ControlPayload struct {
	SessionID string `json:"sessionId"`
	Command   string `json:"command"`
}

type SessionPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Action    string `json:"action"`
	Topic     string `json:"topic,omitempty"`
}

type MathRenderPayload struct {
	SessionID string `json:"sessionId"`
	Markup    string `json:"markup"`
	Format    string `json:"format"`
}

// Message is the typed, tag-discriminated result of validation. Exactly
// one payload pointer is non-nil for payload-carrying types.
type Message struct {
	Type          Type
	Auth          *AuthPayload
	Transcription *TranscriptionPayload
	Control       *ControlPayload
	Session       *SessionPayload
	MathRender    *MathRenderPayload
}

// envelope is the superset wire shape; presence of required fields is
// checked per type after decoding.
type envelope struct {
	Type      string  `json:"type"`
	Token     *string `json:"token"`
	SessionID *string `json:"sessionId"`
	Text      *string `json:"text"`
	Final     *bool   `json:"final"`
	Command   *string `json:"command"`
	Action    *string `json:"action"`
	Topic     *string `json:"topic"`
	Markup    *string `json:"markup"`
	Format    *string `json:"format"`
}

var validCommands = map[string]struct{}{
	"mute": {}, "unmute": {}, "pause": {}, "resume": {}, "repeat": {}, "end_session": {},
}

var validActions = map[string]struct{}{
	"start": {}, "end": {}, "resume": {},
}

var validFormats = map[string]struct{}{
	"latex": {}, "mathml": {}, "asciimath": {},
}

// Validate parses and structurally validates a raw inbound message.
// Authentication messages validate regardless of connection state; every
// other category requires authenticated=true and fails with a
// NOT_AUTHENTICATED error distinct from schema failures.
func Validate(raw []byte, authenticated bool) (*Message, *ValidationError) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ValidationError{Code: CodeInvalidFormat, Reason: "malformed JSON"}
	}
	if env.Type == "" {
		return nil, &ValidationError{Code: CodeInvalidFormat, Reason: "missing type field"}
	}

	if Type(env.Type) == TypeAuth {
		return validateAuth(&env)
	}

	if !authenticated {
		return nil, &ValidationError{Code: CodeNotAuthenticated, Reason: "connection is not authenticated"}
	}

	switch Type(env.Type) {
	case TypeTranscription:
		return validateTranscription(&env)
	case TypeControl:
		return validateControl(&env)
	case TypeSession:
		return validateSession(&env)
	case TypeMathRender:
		return validateMathRender(&env)
	case TypePing:
		return &Message{Type: TypePing}, nil
	case TypePong:
		return &Message{Type: TypePong}, nil
	default:
		return nil, &ValidationError{Code: CodeInvalidFormat, Reason: "unknown message type: " + env.Type}
	}
}

func validateAuth(env *envelope) (*Message, *ValidationError) {
	if env.Token == nil || *env.Token == "" {
		return nil, &ValidationError{Code: CodeInvalidAuth, Reason: "auth message requires a token"}
	}
	if len(*env.Token) > MaxTokenLen {
		return nil, &ValidationError{Code: CodeInvalidAuth, Reason: "token exceeds maximum length"}
	}
	return &Message{Type: TypeAuth, Auth: &AuthPayload{Token: *env.Token}}, nil
}

func validateTranscription(env *envelope) (*Message, *ValidationError) {
	if env.SessionID == nil || *env.SessionID == "" {
		return nil, &ValidationError{Code: CodeInvalidFormat, Reason: "transcription requires sessionId"}
	}
	if env.Text == nil {
		return nil, &ValidationError{Code: CodeInvalidFormat, Reason: "transcription requires text"}
	}
	if utf8.RuneCountInString(*env.Text) > MaxTranscriptionLen {
		return nil, &ValidationError{Code: CodeInvalidFormat, Reason: "transcription text exceeds maximum length"}
	}
	if env.Final == nil {
		return nil, &ValidationError{Code: CodeInvalidFormat, Reason: "transcription requires final flag"}
	}
	return &Message{Type: TypeTranscription, Transcription: &TranscriptionPayload{
		SessionID: *env.SessionID,
		Text:      *env.Text,
		Final:     *env.Final,
	}}, nil
}

func validateControl(env *envelope) (*Message, *ValidationError) {
	if env.SessionID == nil || *env.SessionID == "" {
		return nil, &ValidationError{Code: CodeInvalidFormat, Reason: "control requires sessionId"}
	}
	if env.Command == nil {
		return nil, &ValidationError{Code: CodeInvalidFormat, Reason: "control requires command"}
	}
	if _, ok := validCommands[*env.Command]; !ok {
		return nil, &ValidationError{Code: CodeInvalidFormat, Reason: "unknown control command: " + *env.Command}
	}
	return &Message{Type: TypeControl, Control: &ControlPayload{
		SessionID: *env.SessionID,
		Command:   *env.Command,
	}}, nil
}

func validateSession(env *envelope) (*Message, *ValidationError) {
	if env.Action == nil {
		return nil, &ValidationError{Code: CodeInvalidFormat, Reason: "session requires action"}
	}
	if _, ok := validActions[*env.Action]; !ok {
		return nil, &ValidationError{Code: CodeInvalidFormat, Reason: "unknown session action: " + *env.Action}
	}
	payload := &SessionPayload{Action: *env.Action}
	if env.SessionID != nil {
		payload.SessionID = *env.SessionID
	}
	if env.Topic != nil {
		if utf8.RuneCountInString(*env.Topic) > MaxTopicLen {
			return nil, &ValidationError{Code: CodeInvalidFormat, Reason: "topic exceeds maximum length"}
		}
		payload.Topic = *env.Topic
	}
	return &Message{Type: TypeSession, Session: payload}, nil
}

func validateMathRender(env *envelope) (*Message, *ValidationError) {
	if env.SessionID == nil || *env.SessionID == "" {
		return nil, &ValidationError{Code: CodeInvalidFormat, Reason: "math_render requires sessionId"}
	}
	if env.Markup == nil || *env.Markup == "" {
		return nil, &ValidationError{Code: CodeInvalidFormat, Reason: "math_render requires markup"}
	}
	if utf8.RuneCountInString(*env.Markup) > MaxMarkupLen {
		return nil, &ValidationError{Code: CodeInvalidFormat, Reason: "markup exceeds maximum length"}
	}
	if env.Format == nil {
		return nil, &ValidationError{Code: CodeInvalidFormat, Reason: "math_render requires format"}
	}
	if _, ok := validFormats[*env.Format]; !ok {
		return nil, &ValidationError{Code: CodeInvalidFormat, Reason: "unknown render format: " + *env.Format}
	}
	return &Message{Type: TypeMathRender, MathRender: &MathRenderPayload{
		SessionID: *env.SessionID,
		Markup:    *env.Markup,
		Format:    *env.Format,
	}}, nil
}

// RateLimitCategory maps a message type to its admission-control
// category. Authentication and heartbeat traffic is exempt and returns
// an empty category.
func RateLimitCategory(t Type) string {
	switch t {
	case TypeTranscription:
		return "transcription"
	case TypeControl:
		return "control"
	case TypeMathRender:
		return "rendering"
	case TypeSession:
		return "session"
	default:
		return ""
	}
}

// SessionID returns the session reference carried by the message, if any.
func (m *Message) SessionID() string {
	switch m.Type {
	case TypeTranscription:
		return m.Transcription.SessionID
	case TypeControl:
		return m.Control.SessionID
	case TypeMathRender:
		return m.MathRender.SessionID
	case TypeSession:
		return m.Session.SessionID
	default:
		return ""
	}
}

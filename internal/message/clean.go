package message

import "realtime-gateway/internal/sanitize"

// Clean sanitizes the free-text fields of payload-carrying categories in
// place. Runs only after schema validation has succeeded; categories
// without free text are untouched.
func (m *Message) Clean() {
	switch m.Type {
	case TypeTranscription:
		m.Transcription.Text = sanitize.String(m.Transcription.Text)
	case TypeMathRender:
		m.MathRender.Markup = sanitize.String(m.MathRender.Markup)
	case TypeSession:
		m.Session.Topic = sanitize.String(m.Session.Topic)
	}
}

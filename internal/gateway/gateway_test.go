package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-gateway/internal/config"
	"realtime-gateway/internal/fingerprint"
	"realtime-gateway/internal/identity"
	"realtime-gateway/internal/message"
	"realtime-gateway/internal/model"
	"realtime-gateway/internal/ratelimit"
	"realtime-gateway/internal/seclog"
)

// failingVerifier simulates an unreachable identity provider.
type failingVerifier struct{}

func (failingVerifier) VerifyToken(context.Context, string) (identity.Result, error) {
	return identity.Result{}, errors.New("provider timeout")
}

// recordingDomain captures messages that cleared the pipeline.
type recordingDomain struct {
	mu       sync.Mutex
	messages []*message.Message
}

func (d *recordingDomain) HandleMessage(_ context.Context, _, _ string, msg *message.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, msg)
	return nil
}

func (d *recordingDomain) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.messages)
}

func rateCfg() config.RateLimitConfig {
	return config.RateLimitConfig{
		Profiles: map[string]config.RateLimitProfile{
			"transcription": {MaxTokens: 5, RefillRate: 1, BlockDuration: 30 * time.Second},
		},
		Default:   config.RateLimitProfile{MaxTokens: 60, RefillRate: 1, BlockDuration: 60 * time.Second},
		BucketTTL: time.Hour,
	}
}

func newTestGateway(t *testing.T, v identity.Verifier) (*Gateway, *seclog.Log, *recordingDomain) {
	t.Helper()
	if v == nil {
		v = &identity.StaticVerifier{Tokens: map[string]string{"good-token": "student-1"}}
	}
	log := seclog.New(100)
	domain := &recordingDomain{}
	gw := New(
		v,
		ratelimit.NewLimiter(rateCfg()),
		fingerprint.NewTracker(log, 5, time.Hour),
		log,
		domain,
		10*1024,
	)
	return gw, log, domain
}

func register(t *testing.T, gw *Gateway, connID string) {
	t.Helper()
	gw.Register(connID, fingerprint.Metadata{Origin: "https://app.example.com", ClientSignature: "test"})
}

func authenticate(t *testing.T, gw *Gateway, connID string) {
	t.Helper()
	res := gw.HandleInbound(context.Background(), connID, []byte(`{"type":"auth","token":"good-token"}`))
	require.True(t, res.Accepted)
	require.True(t, res.Authenticated)
}

func TestHandleInbound_UnregisteredConnection(t *testing.T) {
	t.Parallel()
	gw, _, _ := newTestGateway(t, nil)

	res := gw.HandleInbound(context.Background(), "ghost", []byte(`{"type":"ping"}`))
	assert.False(t, res.Accepted)
	assert.Equal(t, CodeConnectionClosed, res.Code)
}

func TestHandleInbound_AuthStateMachine(t *testing.T) {
	t.Parallel()
	gw, log, _ := newTestGateway(t, nil)
	register(t, gw, "c1")

	// Non-auth traffic before authentication is refused.
	res := gw.HandleInbound(context.Background(), "c1", []byte(`{"type":"ping"}`))
	require.False(t, res.Accepted)
	assert.Equal(t, message.CodeNotAuthenticated, res.Code)

	// Bad token keeps the connection unauthenticated.
	res = gw.HandleInbound(context.Background(), "c1", []byte(`{"type":"auth","token":"bad-token"}`))
	require.False(t, res.Accepted)
	assert.Equal(t, CodeAuthFailed, res.Code)
	assert.Len(t, log.Query(seclog.Filter{Type: model.EventAuthFailure}), 1)

	// Good token transitions to authenticated and binds the identity.
	authenticate(t, gw, "c1")
	state, ok := gw.ConnectionState("c1")
	require.True(t, ok)
	assert.True(t, state.Authenticated)
	assert.Equal(t, "student-1", state.Identity)
	assert.Len(t, log.Query(seclog.Filter{Type: model.EventAuthSuccess}), 1)

	// Traffic flows after authentication.
	res = gw.HandleInbound(context.Background(), "c1", []byte(`{"type":"ping"}`))
	assert.True(t, res.Accepted)

	// Re-authentication on a live connection is a no-op accept.
	res = gw.HandleInbound(context.Background(), "c1", []byte(`{"type":"auth","token":"good-token"}`))
	assert.True(t, res.Accepted)
	assert.False(t, res.Authenticated)
	assert.Len(t, log.Query(seclog.Filter{Type: model.EventAuthSuccess}), 1)
}

func TestHandleInbound_ProviderFailureIsHighSeverity(t *testing.T) {
	t.Parallel()
	gw, log, _ := newTestGateway(t, failingVerifier{})
	register(t, gw, "c1")

	res := gw.HandleInbound(context.Background(), "c1", []byte(`{"type":"auth","token":"any"}`))
	require.False(t, res.Accepted)
	assert.Equal(t, CodeAuthFailed, res.Code)

	events := log.Query(seclog.Filter{Type: model.EventAuthFailure})
	require.Len(t, events, 1)
	assert.Equal(t, model.SeverityHigh, events[0].Severity)
}

func TestHandleInbound_SizeCheckPrecedesParsing(t *testing.T) {
	t.Parallel()
	gw, log, _ := newTestGateway(t, nil)
	register(t, gw, "c1")

	// Oversized and malformed: the size rejection wins, even before
	// authentication.
	huge := []byte(`{"garbage` + strings.Repeat("x", 11*1024))
	res := gw.HandleInbound(context.Background(), "c1", huge)
	require.False(t, res.Accepted)
	assert.Equal(t, CodeOversized, res.Code)

	events := log.Query(seclog.Filter{Type: model.EventOversizedMessage})
	require.Len(t, events, 1)
	assert.Equal(t, model.SeverityMedium, events[0].Severity)
	assert.Empty(t, log.Query(seclog.Filter{Type: model.EventInvalidMessage}))
}

func TestHandleInbound_InvalidMessageLogged(t *testing.T) {
	t.Parallel()
	gw, log, domain := newTestGateway(t, nil)
	register(t, gw, "c1")
	authenticate(t, gw, "c1")

	res := gw.HandleInbound(context.Background(), "c1", []byte(`{"type":"control","sessionId":"s1","command":"reboot"}`))
	require.False(t, res.Accepted)
	assert.Equal(t, message.CodeInvalidFormat, res.Code)
	assert.Len(t, log.Query(seclog.Filter{Type: model.EventInvalidMessage}), 1)
	assert.Zero(t, domain.count())
}

func TestHandleInbound_RateLimitProgression(t *testing.T) {
	t.Parallel()
	gw, log, _ := newTestGateway(t, nil)
	register(t, gw, "c1")
	authenticate(t, gw, "c1")

	send := func() InboundResult {
		return gw.HandleInbound(context.Background(), "c1",
			[]byte(`{"type":"transcription","sessionId":"s1","text":"hi","final":false}`))
	}

	// Capacity five: five sends pass, then denials begin.
	for i := 0; i < 5; i++ {
		require.True(t, send().Accepted, "send %d", i+1)
	}

	first := send()
	require.False(t, first.Accepted)
	assert.Equal(t, CodeRateLimited, first.Code)
	assert.Greater(t, first.RetryAfter, time.Duration(0))

	second := send()
	assert.Equal(t, CodeRateLimited, second.Code)

	third := send()
	require.Equal(t, CodeRateLimitBlocked, third.Code)
	assert.Equal(t, 30*time.Second, third.RetryAfter)

	assert.Len(t, log.Query(seclog.Filter{Type: model.EventRateLimitExceeded}), 2)
	blocked := log.Query(seclog.Filter{Type: model.EventRateLimitBlocked})
	require.Len(t, blocked, 1)
	assert.Equal(t, model.SeverityHigh, blocked[0].Severity)
	assert.Equal(t, "student-1", blocked[0].Identity)
}

func TestHandleInbound_HeartbeatExemptFromRateLimit(t *testing.T) {
	t.Parallel()
	gw, log, _ := newTestGateway(t, nil)
	register(t, gw, "c1")
	authenticate(t, gw, "c1")

	for i := 0; i < 200; i++ {
		res := gw.HandleInbound(context.Background(), "c1", []byte(`{"type":"ping"}`))
		require.True(t, res.Accepted)
	}
	assert.Empty(t, log.Query(seclog.Filter{Type: model.EventRateLimitExceeded}))
}

func TestHandleInbound_SanitizesBeforeDomain(t *testing.T) {
	t.Parallel()
	gw, _, domain := newTestGateway(t, nil)
	register(t, gw, "c1")
	authenticate(t, gw, "c1")

	res := gw.HandleInbound(context.Background(), "c1",
		[]byte(`{"type":"transcription","sessionId":"s1","text":"x <script>alert(1)</script> = 2","final":true}`))
	require.True(t, res.Accepted)

	domain.mu.Lock()
	defer domain.mu.Unlock()
	require.Len(t, domain.messages, 1)
	assert.Equal(t, "x  = 2", domain.messages[0].Transcription.Text)
}

func TestHandleInbound_BindsSessionToConnection(t *testing.T) {
	t.Parallel()
	gw, _, _ := newTestGateway(t, nil)
	register(t, gw, "c1")
	authenticate(t, gw, "c1")

	res := gw.HandleInbound(context.Background(), "c1",
		[]byte(`{"type":"control","sessionId":"s42","command":"pause"}`))
	require.True(t, res.Accepted)

	state, ok := gw.ConnectionState("c1")
	require.True(t, ok)
	assert.Equal(t, "s42", state.SessionID)
}

func TestClose_DiscardsStateButKeepsBuckets(t *testing.T) {
	t.Parallel()
	gw, _, _ := newTestGateway(t, nil)
	register(t, gw, "c1")
	authenticate(t, gw, "c1")

	send := func(conn string) InboundResult {
		return gw.HandleInbound(context.Background(), conn,
			[]byte(`{"type":"transcription","sessionId":"s1","text":"hi","final":false}`))
	}
	for i := 0; i < 5; i++ {
		require.True(t, send("c1").Accepted)
	}

	gw.Close("c1")
	assert.Zero(t, gw.ActiveConnections())
	_, ok := gw.ConnectionState("c1")
	assert.False(t, ok)

	res := gw.HandleInbound(context.Background(), "c1", []byte(`{"type":"ping"}`))
	assert.Equal(t, CodeConnectionClosed, res.Code)

	// A fresh connection for the same identity inherits the drained
	// bucket: rate limits are identity-keyed, not connection-keyed.
	register(t, gw, "c2")
	authenticate(t, gw, "c2")
	denied := send("c2")
	assert.False(t, denied.Accepted)
}

func TestValidateOutbound(t *testing.T) {
	t.Parallel()
	gw, _, _ := newTestGateway(t, nil)

	raw, verr := gw.ValidateOutbound(map[string]any{
		"type": "math_render", "sessionId": "s1", "markup": "x^2", "format": "latex",
	})
	require.Nil(t, verr)
	assert.NotEmpty(t, raw)

	_, verr = gw.ValidateOutbound(map[string]any{"type": "math_render", "sessionId": "s1"})
	require.NotNil(t, verr)
	assert.Equal(t, message.CodeInvalidFormat, verr.Code)

	_, verr = gw.ValidateOutbound(map[string]any{"bad": make(chan int)})
	require.NotNil(t, verr)
	assert.Equal(t, message.CodeInvalidFormat, verr.Code)
}

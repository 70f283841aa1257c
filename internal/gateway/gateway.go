// Package gateway authenticates, validates, rate-limits and sanitizes
// every message flowing over a live connection before domain logic sees
// it.
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"realtime-gateway/internal/fingerprint"
	"realtime-gateway/internal/identity"
	"realtime-gateway/internal/message"
	"realtime-gateway/internal/model"
	"realtime-gateway/internal/ratelimit"
	"realtime-gateway/internal/seclog"
	"realtime-gateway/internal/util"
)

// Rejection codes surfaced to clients in addition to the validator's
// stable codes.
const (
	CodeOversized        = "MESSAGE_TOO_LARGE"
	CodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	CodeRateLimitBlocked = "RATE_LIMIT_BLOCKED"
	CodeAuthFailed       = "AUTH_FAILED"
	CodeConnectionClosed = "CONNECTION_CLOSED"
)

// DomainHandler receives messages that passed the full pipeline.
type DomainHandler interface {
	HandleMessage(ctx context.Context, connectionID, identity string, msg *message.Message) error
}

// DomainHandlerFunc adapts a function to the DomainHandler interface.
type DomainHandlerFunc func(ctx context.Context, connectionID, identity string, msg *message.Message) error

func (f DomainHandlerFunc) HandleMessage(ctx context.Context, connectionID, identity string, msg *message.Message) error {
	return f(ctx, connectionID, identity, msg)
}

// InboundResult is the outcome of running one raw message through the
// pipeline. Rejections carry a stable code and never drop the
// connection.
type InboundResult struct {
	Accepted      bool
	Authenticated bool // true when this message completed authentication
	Code          string
	Reason        string
	RetryAfter    time.Duration
	Message       *message.Message
}

// Gateway owns per-connection auth state and the identity-keyed rate
// limit buckets. Connections move UNAUTHENTICATED -> AUTHENTICATED ->
// CLOSED; the only way out of UNAUTHENTICATED is a verified auth
// message.
type Gateway struct {
	mu    sync.Mutex
	conns map[string]*model.ConnectionAuthState

	verifier identity.Verifier
	limiter  *ratelimit.Limiter
	tracker  *fingerprint.Tracker
	events   *seclog.Log
	domain   DomainHandler

	maxMessageBytes int
	now             func() time.Time
}

func New(
	verifier identity.Verifier,
	limiter *ratelimit.Limiter,
	tracker *fingerprint.Tracker,
	events *seclog.Log,
	domain DomainHandler,
	maxMessageBytes int,
) *Gateway {
	if maxMessageBytes <= 0 {
		maxMessageBytes = 10 * 1024
	}
	return &Gateway{
		conns:           make(map[string]*model.ConnectionAuthState),
		verifier:        verifier,
		limiter:         limiter,
		tracker:         tracker,
		events:          events,
		domain:          domain,
		maxMessageBytes: maxMessageBytes,
		now:             time.Now,
	}
}

// Register tracks a new connection attempt. The connection starts
// unauthenticated; the attempt is fingerprinted for anomaly detection.
func (g *Gateway) Register(connectionID string, meta fingerprint.Metadata) {
	now := g.now()

	g.mu.Lock()
	g.conns[connectionID] = &model.ConnectionAuthState{
		ConnectionID: connectionID,
		ConnectedAt:  now,
		LastActivity: now,
	}
	g.mu.Unlock()

	fp := g.tracker.Fingerprint(meta)
	g.tracker.RecordAttempt(fp, connectionID)

	util.Debug("connection registered",
		zap.String("connection_id", connectionID),
		zap.String("fingerprint", fp))
}

// HandleInbound runs the security pipeline on one raw message:
// size check, schema validation with auth-state gating, rate-limit
// admission (auth and heartbeat exempt), sanitization, activity
// refresh, domain hand-off. Short-circuits on the first failure.
func (g *Gateway) HandleInbound(ctx context.Context, connectionID string, raw []byte) InboundResult {
	g.mu.Lock()
	state, ok := g.conns[connectionID]
	g.mu.Unlock()
	if !ok {
		return InboundResult{Code: CodeConnectionClosed, Reason: "connection is not registered"}
	}

	if len(raw) > g.maxMessageBytes {
		g.events.Append(model.SecurityEvent{
			Type:         model.EventOversizedMessage,
			Identity:     state.Identity,
			ConnectionID: connectionID,
			Severity:     model.SeverityMedium,
			Details:      map[string]any{"size": len(raw), "limit": g.maxMessageBytes},
		})
		return InboundResult{Code: CodeOversized, Reason: "message exceeds size ceiling"}
	}

	msg, verr := message.Validate(raw, state.Authenticated)
	if verr != nil {
		g.events.Append(model.SecurityEvent{
			Type:         model.EventInvalidMessage,
			Identity:     state.Identity,
			ConnectionID: connectionID,
			Severity:     model.SeverityLow,
			Details:      map[string]any{"code": verr.Code, "reason": verr.Reason},
		})
		return InboundResult{Code: verr.Code, Reason: verr.Reason}
	}

	if msg.Type == message.TypeAuth {
		return g.authenticate(ctx, state, msg)
	}

	if category := message.RateLimitCategory(msg.Type); category != "" {
		decision := g.limiter.CheckAndConsume(state.Identity, category)
		if !decision.Allowed {
			return g.rejectRateLimited(state, category, decision)
		}
	}

	msg.Clean()

	g.mu.Lock()
	state.LastActivity = g.now()
	if sid := msg.SessionID(); sid != "" {
		state.SessionID = sid
	}
	g.mu.Unlock()

	if g.domain != nil {
		if err := g.domain.HandleMessage(ctx, connectionID, state.Identity, msg); err != nil {
			util.Error("domain handler failed",
				zap.String("connection_id", connectionID),
				zap.String("message_type", string(msg.Type)),
				zap.Error(err))
		}
	}

	return InboundResult{Accepted: true, Message: msg}
}

func (g *Gateway) authenticate(ctx context.Context, state *model.ConnectionAuthState, msg *message.Message) InboundResult {
	if state.Authenticated {
		// Re-authentication on a live connection is a no-op accept.
		return InboundResult{Accepted: true, Message: msg}
	}

	result, err := g.verifier.VerifyToken(ctx, msg.Auth.Token)
	if err != nil {
		util.Error("identity provider call failed",
			zap.String("connection_id", state.ConnectionID),
			zap.Error(err))
		g.events.Append(model.SecurityEvent{
			Type:         model.EventAuthFailure,
			ConnectionID: state.ConnectionID,
			Severity:     model.SeverityHigh,
			Details:      map[string]any{"reason": "identity provider unavailable"},
		})
		return InboundResult{Code: CodeAuthFailed, Reason: "identity verification unavailable"}
	}
	if !result.Valid {
		g.events.Append(model.SecurityEvent{
			Type:         model.EventAuthFailure,
			ConnectionID: state.ConnectionID,
			Severity:     model.SeverityMedium,
			Details:      map[string]any{"reason": result.Reason},
		})
		return InboundResult{Code: CodeAuthFailed, Reason: result.Reason}
	}

	now := g.now()
	g.mu.Lock()
	state.Authenticated = true
	state.Identity = result.Identity
	state.LastActivity = now
	g.mu.Unlock()

	g.events.Append(model.SecurityEvent{
		Type:         model.EventAuthSuccess,
		Identity:     result.Identity,
		ConnectionID: state.ConnectionID,
		Severity:     model.SeverityLow,
	})
	util.Info("connection authenticated",
		zap.String("connection_id", state.ConnectionID),
		zap.String("identity", result.Identity))

	return InboundResult{Accepted: true, Authenticated: true, Message: msg}
}

func (g *Gateway) rejectRateLimited(state *model.ConnectionAuthState, category string, d ratelimit.Decision) InboundResult {
	eventType := model.EventRateLimitExceeded
	severity := model.SeverityMedium
	code := CodeRateLimited
	if d.Blocked {
		eventType = model.EventRateLimitBlocked
		severity = model.SeverityHigh
		code = CodeRateLimitBlocked
	}
	g.events.Append(model.SecurityEvent{
		Type:         eventType,
		Identity:     state.Identity,
		ConnectionID: state.ConnectionID,
		Severity:     severity,
		Details: map[string]any{
			"category":   category,
			"violations": d.Violations,
		},
	})
	retryAfter := d.RetryAfter
	if retryAfter == 0 {
		retryAfter = d.ResetIn
	}
	return InboundResult{Code: code, Reason: "rate limit exceeded for " + category, RetryAfter: retryAfter}
}

// ValidateOutbound runs schema validation on a message produced by the
// server side before transmission. The producing side is trusted, so no
// rate limiting or sanitization applies.
func (g *Gateway) ValidateOutbound(msg any) ([]byte, *message.ValidationError) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, &message.ValidationError{Code: message.CodeInvalidFormat, Reason: "outbound message not serializable"}
	}
	if _, verr := message.Validate(raw, true); verr != nil {
		return nil, verr
	}
	return raw, nil
}

// Close discards all auth state for a connection. Identity-keyed rate
// limit buckets outlive the connection.
func (g *Gateway) Close(connectionID string) {
	g.mu.Lock()
	_, existed := g.conns[connectionID]
	delete(g.conns, connectionID)
	g.mu.Unlock()

	if existed {
		util.Debug("connection closed", zap.String("connection_id", connectionID))
	}
}

// ConnectionState returns a copy of the auth state for a connection.
func (g *Gateway) ConnectionState(connectionID string) (model.ConnectionAuthState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.conns[connectionID]
	if !ok {
		return model.ConnectionAuthState{}, false
	}
	return *state, true
}

// ActiveConnections reports the number of registered connections.
func (g *Gateway) ActiveConnections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

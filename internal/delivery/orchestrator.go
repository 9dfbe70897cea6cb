// Package delivery implements the message delivery flow: validate an inbound
// send, echo it optimistically, persist it, obtain the assistant reply
// upstream, then emit the reply with staged typing indicators and pacing
// delays. The flow is transport-agnostic; each transport supplies a Sink that
// receives the outbound events in order.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mindwell/chat-gateway/internal/ai"
	"github.com/mindwell/chat-gateway/internal/metrics"
	"github.com/mindwell/chat-gateway/internal/persona"
	"github.com/mindwell/chat-gateway/internal/protocol"
	"github.com/mindwell/chat-gateway/internal/ratelimit"
	"github.com/mindwell/chat-gateway/internal/store"
)

// Sink receives outbound events in emission order. Implementations must not
// fail the flow: emission to a connection that has gone away is a no-op.
type Sink interface {
	Emit(eventType string, payload interface{})
}

// SendRequest is one inbound "send message" action.
type SendRequest struct {
	ConversationID string
	UserID         string
	AgentID        string
	Content        string
	CorrelationID  string
	// Immediate skips the pacing delays. Set by the plain request/response
	// transport, where the caller blocks until the flow completes.
	Immediate bool
}

// Result reports what a completed flow persisted.
type Result struct {
	UserMessage  *store.Message
	Replies      []*store.Message
	FromFallback bool
}

// FlowError is a failed or rejected send. Code is one of the protocol error
// codes; transports convert it into exactly one error emission.
type FlowError struct {
	Code       string
	Message    string
	RetryAfter int // seconds; set for rate_limited only
	Err        error
}

func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("delivery: %s: %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error { return e.Err }

// Pacing holds the delivery delays that simulate a human typing cadence.
type Pacing struct {
	PrimaryDelay    time.Duration // before the primary reply emission
	TypingPause     time.Duration // between typing-started and typing-stopped per segment
	SegmentDelayMin time.Duration // randomized inter-segment delay lower bound
	SegmentDelayMax time.Duration // randomized inter-segment delay upper bound
}

// DefaultPacing returns the production delays.
func DefaultPacing() Pacing {
	return Pacing{
		PrimaryDelay:    400 * time.Millisecond,
		TypingPause:     500 * time.Millisecond,
		SegmentDelayMin: 1 * time.Second,
		SegmentDelayMax: 3 * time.Second,
	}
}

// Config tunes the orchestrator.
type Config struct {
	// FallbackMode is ai.ModeStrict (upstream failure propagates as an error)
	// or ai.ModeBestEffort (falls through to the rule-based responder).
	FallbackMode string
	Pacing       Pacing
	// HistoryWindow caps how many prior messages are loaded for context;
	// PayloadWindow caps how many of those are sent upstream.
	HistoryWindow int
	PayloadWindow int
}

// DefaultConfig returns the production configuration in strict mode.
func DefaultConfig() Config {
	return Config{
		FallbackMode:  ai.ModeStrict,
		Pacing:        DefaultPacing(),
		HistoryWindow: 20,
		PayloadWindow: 6,
	}
}

// Orchestrator drives send flows. One instance owns the rate limiter and the
// per-(conversation, persona) flight locks that keep segment sequences of the
// same pair from interleaving.
type Orchestrator struct {
	store    store.Store
	ai       ai.Completer
	fallback *ai.FallbackResponder
	limiter  *ratelimit.Limiter
	config   Config
	log      zerolog.Logger

	// Injectable for tests.
	sleep  func(time.Duration)
	jitter func(min, max time.Duration) time.Duration
	now    func() time.Time
	newID  func() string

	mu      sync.Mutex
	flights map[string]*flightLock
}

// flightLock serializes sends for one conversation/persona pair. The
// reference count lets the orchestrator drop the map entry once the last
// waiter releases it, so the map stays bounded by the number of in-flight
// sends.
type flightLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an Orchestrator. fallback may be nil when config.FallbackMode
// is strict.
func New(st store.Store, completer ai.Completer, fallback *ai.FallbackResponder,
	limiter *ratelimit.Limiter, config Config, log zerolog.Logger) *Orchestrator {
	if config.HistoryWindow <= 0 {
		config.HistoryWindow = 20
	}
	if config.PayloadWindow <= 0 {
		config.PayloadWindow = 6
	}
	return &Orchestrator{
		store:    st,
		ai:       completer,
		fallback: fallback,
		limiter:  limiter,
		config:   config,
		log:      log.With().Str("component", "delivery").Logger(),
		sleep:    time.Sleep,
		jitter: func(min, max time.Duration) time.Duration {
			if max <= min {
				return min
			}
			return min + time.Duration(rand.Int63n(int64(max-min)))
		},
		now:     time.Now,
		newID:   uuid.NewString,
		flights: make(map[string]*flightLock),
	}
}

// Authorize checks that the conversation exists and is owned by the user.
// Shared by the send flow and the lighter relay actions (join, typing, read
// receipts).
func (o *Orchestrator) Authorize(ctx context.Context, conversationID, userID string) (*store.Conversation, *FlowError) {
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &FlowError{Code: protocol.CodeNotFound, Message: "conversation not found"}
		}
		return nil, &FlowError{Code: protocol.CodePersistence, Message: "failed to load conversation", Err: err}
	}
	if conv.UserID != userID {
		return nil, &FlowError{Code: protocol.CodeForbidden, Message: "conversation belongs to another user"}
	}
	return conv, nil
}

// Send runs the full delivery flow for one message. Events are emitted to the
// sink in order; on failure the returned FlowError is the single error the
// transport must surface. Rejections (validation, authorization, rate limit)
// happen before any emission or persistence.
func (o *Orchestrator) Send(ctx context.Context, sink Sink, req SendRequest) (*Result, *FlowError) {
	conv, ferr := o.validate(ctx, &req)
	if ferr != nil {
		return nil, ferr
	}

	if !o.limiter.Allow(req.UserID, ratelimit.CategoryMessage) {
		retry := int(o.limiter.RetryAfter(req.UserID, ratelimit.CategoryMessage).Seconds()) + 1
		return nil, &FlowError{
			Code:       protocol.CodeRateLimited,
			Message:    "too many messages, slow down",
			RetryAfter: retry,
		}
	}

	// Segment sequences for the same conversation/persona pair never
	// interleave.
	flightKey := req.ConversationID + "/" + req.AgentID
	flight := o.acquireFlight(flightKey)
	defer o.releaseFlight(flightKey, flight)

	// A disconnect mid-flight must not abort persistence or the upstream
	// call; emission to the absent connection degrades to a no-op.
	ctx = context.WithoutCancel(ctx)

	sink.Emit(protocol.TypeMessage, protocol.MessageEvent{
		ID:            fmt.Sprintf("tmp-%d", o.now().UnixMilli()),
		ChatID:        req.ConversationID,
		AgentID:       req.AgentID,
		Role:          protocol.RoleUser,
		Content:       req.Content,
		CorrelationID: req.CorrelationID,
	})
	o.emitTyping(sink, req, true)

	history := o.recentHistory(ctx, req.ConversationID)

	userMsg := &store.Message{
		ID:             o.newID(),
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		PersonaID:      req.AgentID,
		Role:           protocol.RoleUser,
		Content:        req.Content,
		Metadata:       map[string]interface{}{"read": true},
	}
	if req.CorrelationID != "" {
		userMsg.Metadata["correlation_id"] = req.CorrelationID
	}
	if err := o.store.CreateMessage(ctx, userMsg); err != nil {
		// Durability point failed: no upstream call is made.
		o.emitTyping(sink, req, false)
		return nil, &FlowError{Code: protocol.CodePersistence, Message: "failed to save message", Err: err}
	}
	o.recordActivity(ctx, req.ConversationID, req.Content)

	reply, fromFallback, ferr := o.complete(ctx, req, history)
	if ferr != nil {
		// The user message is durable, so the client still gets its
		// confirmed echo before the typing indicator resolves and the
		// transport surfaces the error.
		o.emitConfirmed(sink, userMsg, req.CorrelationID)
		o.emitTyping(sink, req, false)
		return nil, ferr
	}

	total := len(reply.Segments)
	groupID := ""
	if total > 1 {
		groupID = o.newID()
	}

	primary, err := o.persistSegment(ctx, req, conv, reply.Segments[0], 1, total, groupID)
	if err != nil {
		o.emitConfirmed(sink, userMsg, req.CorrelationID)
		o.emitTyping(sink, req, false)
		return nil, &FlowError{Code: protocol.CodePersistence, Message: "failed to save reply", Err: err}
	}

	o.emitConfirmed(sink, userMsg, req.CorrelationID)
	o.emitTyping(sink, req, false)

	o.pause(req, o.config.Pacing.PrimaryDelay)
	o.emitMessage(sink, primary, 1, total)
	replies := []*store.Message{primary}

	for i := 1; i < total; i++ {
		o.pause(req, o.jitter(o.config.Pacing.SegmentDelayMin, o.config.Pacing.SegmentDelayMax))
		o.emitTyping(sink, req, true)
		o.pause(req, o.config.Pacing.TypingPause)
		o.emitTyping(sink, req, false)

		seg, err := o.persistSegment(ctx, req, conv, reply.Segments[i], i+1, total, groupID)
		if err != nil {
			return nil, &FlowError{Code: protocol.CodePersistence, Message: "failed to save reply segment", Err: err}
		}
		o.emitMessage(sink, seg, i+1, total)
		replies = append(replies, seg)
	}

	metrics.SegmentsPerReply.Observe(float64(total))
	o.log.Info().Str("conversation", req.ConversationID).Str("persona", req.AgentID).
		Int("segments", total).Bool("fallback", fromFallback).Msg("delivered reply")

	return &Result{UserMessage: userMsg, Replies: replies, FromFallback: fromFallback}, nil
}

// MarkRead records read receipts on the given messages after an ownership
// check. Shared by the socket and HTTP transports.
func (o *Orchestrator) MarkRead(ctx context.Context, conversationID, userID string, messageIDs []string) *FlowError {
	if len(messageIDs) == 0 {
		return &FlowError{Code: protocol.CodeValidationFailed, Message: "no message ids"}
	}
	if _, ferr := o.Authorize(ctx, conversationID, userID); ferr != nil {
		return ferr
	}
	for _, id := range messageIDs {
		if err := o.store.UpdateMessageMetadata(ctx, conversationID, id, map[string]interface{}{"read": true}); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return &FlowError{Code: protocol.CodeNotFound, Message: "message not found"}
			}
			return &FlowError{Code: protocol.CodePersistence, Message: "failed to record receipt", Err: err}
		}
	}
	return nil
}

func (o *Orchestrator) validate(ctx context.Context, req *SendRequest) (*store.Conversation, *FlowError) {
	if req.Content == "" {
		return nil, &FlowError{Code: protocol.CodeValidationFailed, Message: "content must not be empty"}
	}

	conv, ferr := o.Authorize(ctx, req.ConversationID, req.UserID)
	if ferr != nil {
		return nil, ferr
	}

	if req.AgentID == "" {
		req.AgentID = conv.PersonaID
	}
	if !persona.Valid(req.AgentID) {
		return nil, &FlowError{Code: protocol.CodeValidationFailed, Message: "unknown persona: " + req.AgentID}
	}
	return conv, nil
}

// complete calls upstream and, in best-effort mode, degrades to the
// rule-based responder on failure.
func (o *Orchestrator) complete(ctx context.Context, req SendRequest, history []ai.Turn) (ai.Reply, bool, *FlowError) {
	p, _ := persona.Get(req.AgentID)
	reply, err := o.ai.Complete(ctx, p.SystemPrompt, history, req.Content)
	if err == nil {
		return reply, false, nil
	}

	if o.config.FallbackMode == ai.ModeBestEffort && o.fallback != nil {
		o.log.Warn().Str("conversation", req.ConversationID).Err(err).
			Msg("upstream failed, using rule-based fallback")
		return o.fallback.Respond(req.ConversationID, req.AgentID, req.Content), true, nil
	}

	code := protocol.CodeUpstreamDown
	if ai.IsProtocolError(err) {
		code = protocol.CodeUpstreamProtocol
	}
	return ai.Reply{}, false, &FlowError{Code: code, Message: "assistant is unavailable right now", Err: err}
}

// recentHistory loads the tail of the conversation as upstream turns: up to
// HistoryWindow recent messages, empty content filtered out, trimmed to
// PayloadWindow for the request payload. A read failure degrades to an empty
// history rather than failing the send.
func (o *Orchestrator) recentHistory(ctx context.Context, conversationID string) []ai.Turn {
	total, err := o.store.CountMessages(ctx, conversationID)
	if err != nil {
		o.log.Warn().Str("conversation", conversationID).Err(err).Msg("failed to count history")
		return nil
	}
	if total == 0 {
		return nil
	}

	limit := o.config.HistoryWindow
	lastPage := (total + limit - 1) / limit

	var recent []store.Message
	if lastPage > 1 {
		prev, err := o.store.ListMessages(ctx, conversationID, store.ListOptions{Page: lastPage - 1, Limit: limit})
		if err != nil {
			o.log.Warn().Str("conversation", conversationID).Err(err).Msg("failed to load history")
			return nil
		}
		recent = prev
	}
	tail, err := o.store.ListMessages(ctx, conversationID, store.ListOptions{Page: lastPage, Limit: limit})
	if err != nil {
		o.log.Warn().Str("conversation", conversationID).Err(err).Msg("failed to load history")
		return nil
	}
	recent = append(recent, tail...)
	if len(recent) > limit {
		recent = recent[len(recent)-limit:]
	}

	turns := make([]ai.Turn, 0, len(recent))
	for _, m := range recent {
		if m.Content == "" {
			continue
		}
		turns = append(turns, ai.Turn{Role: m.Role, Content: m.Content})
	}
	if len(turns) > o.config.PayloadWindow {
		turns = turns[len(turns)-o.config.PayloadWindow:]
	}
	return turns
}

func (o *Orchestrator) persistSegment(ctx context.Context, req SendRequest, conv *store.Conversation,
	content string, index, total int, groupID string) (*store.Message, error) {
	msg := &store.Message{
		ID:             o.newID(),
		ConversationID: req.ConversationID,
		UserID:         conv.UserID,
		PersonaID:      req.AgentID,
		Role:           protocol.RoleAssistant,
		Content:        content,
		Metadata:       map[string]interface{}{},
	}
	if req.CorrelationID != "" {
		msg.Metadata["correlation_id"] = req.CorrelationID
	}
	if total > 1 {
		msg.Metadata["multi_message"] = true
		msg.Metadata["segment_index"] = index
		msg.Metadata["total_segments"] = total
		msg.Metadata["reply_group"] = groupID
	}
	if err := o.store.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	o.recordActivity(ctx, req.ConversationID, content)
	return msg, nil
}

func (o *Orchestrator) recordActivity(ctx context.Context, conversationID, lastMessage string) {
	if err := o.store.RecordConversationActivity(ctx, conversationID, store.Snippet(lastMessage)); err != nil {
		o.log.Warn().Str("conversation", conversationID).Err(err).Msg("failed to record activity")
	}
}

func (o *Orchestrator) emitConfirmed(sink Sink, m *store.Message, correlationID string) {
	sink.Emit(protocol.TypeMessage, protocol.MessageEvent{
		ID:            m.ID,
		ChatID:        m.ConversationID,
		AgentID:       m.PersonaID,
		Role:          m.Role,
		Content:       m.Content,
		CorrelationID: correlationID,
		Confirmed:     true,
		CreatedAt:     m.CreatedAt.UnixMilli(),
	})
}

func (o *Orchestrator) emitMessage(sink Sink, m *store.Message, index, total int) {
	ev := protocol.MessageEvent{
		ID:        m.ID,
		ChatID:    m.ConversationID,
		AgentID:   m.PersonaID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UnixMilli(),
	}
	if total > 1 {
		ev.SegmentIndex = index
		ev.TotalSegments = total
	}
	sink.Emit(protocol.TypeMessage, ev)
}

func (o *Orchestrator) emitTyping(sink Sink, req SendRequest, typing bool) {
	sink.Emit(protocol.TypeTyping, protocol.ServerTypingEvent{
		ChatID:   req.ConversationID,
		AgentID:  req.AgentID,
		IsTyping: typing,
	})
}

func (o *Orchestrator) pause(req SendRequest, d time.Duration) {
	if req.Immediate || d <= 0 {
		return
	}
	o.sleep(d)
}

func (o *Orchestrator) acquireFlight(key string) *flightLock {
	o.mu.Lock()
	f, ok := o.flights[key]
	if !ok {
		f = &flightLock{}
		o.flights[key] = f
	}
	f.refs++
	o.mu.Unlock()

	f.mu.Lock()
	return f
}

func (o *Orchestrator) releaseFlight(key string, f *flightLock) {
	f.mu.Unlock()

	o.mu.Lock()
	f.refs--
	if f.refs == 0 {
		delete(o.flights, key)
	}
	o.mu.Unlock()
}

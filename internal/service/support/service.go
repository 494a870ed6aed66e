// Package support owns the per-session state machine: it guards escalated
// sessions, serialises work per session and commits each outcome atomically.
package support

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/support-desk/backend/internal/metrics"
	"github.com/zhouzirui/support-desk/backend/internal/model/support"
	"github.com/zhouzirui/support-desk/backend/internal/service/pipeline"
	"github.com/zhouzirui/support-desk/backend/internal/store"
	"github.com/zhouzirui/support-desk/backend/internal/tools"
)

// ActionEscalated marks a handed-off reply in ReplyResult.Actions.
const ActionEscalated = "escalated_to_human"

// Runner processes one inbound message.
type Runner interface {
	Run(ctx context.Context, in pipeline.Input, observer pipeline.Observer) (pipeline.Outcome, error)
}

// Config tunes the state machine.
type Config struct {
	HandoffMessage string
	ReplyTimeout   time.Duration
	CacheSize      int
}

// ReplyResult is what a caller gets back for a processed message.
type ReplyResult struct {
	SessionID    string             `json:"session_id"`
	Escalated    bool               `json:"escalated"`
	FinalMessage string             `json:"final_message"`
	Category     pipeline.Category  `json:"category,omitempty"`
	ToolCalls    []support.ToolCall `json:"tool_calls"`
	Actions      []string           `json:"actions_taken"`
}

// Service is the session state machine.
type Service struct {
	store     store.Store
	pipeline  Runner
	locks     *sessionLocks
	customers *lru.Cache[string, support.Customer]
	cfg       Config
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics enables reply and escalation counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService wires the state machine.
func NewService(st store.Store, runner Runner, cfg Config, opts ...Option) (*Service, error) {
	if st == nil || runner == nil {
		return nil, fmt.Errorf("store and pipeline are required")
	}
	if strings.TrimSpace(cfg.HandoffMessage) == "" {
		return nil, fmt.Errorf("handoff message is required")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	cache, err := lru.New[string, support.Customer](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create customer cache: %w", err)
	}

	s := &Service{
		store:     st,
		pipeline:  runner,
		locks:     newSessionLocks(),
		customers: cache,
		cfg:       cfg,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// StartSession validates the customer attributes and opens a session.
func (s *Service) StartSession(ctx context.Context, customer support.Customer) (support.Session, error) {
	customer = support.Customer{
		Email:      strings.TrimSpace(customer.Email),
		FirstName:  strings.TrimSpace(customer.FirstName),
		LastName:   strings.TrimSpace(customer.LastName),
		ExternalID: strings.TrimSpace(customer.ExternalID),
	}
	if err := customer.Validate(); err != nil {
		return support.Session{}, fmt.Errorf("%w: %v", ErrInvalidCustomer, err)
	}

	session, err := s.store.CreateSession(ctx, customer)
	if err != nil {
		return support.Session{}, fmt.Errorf("create session: %w", err)
	}
	s.customers.Add(session.ID, session.Customer)
	s.logger.Info().Str("session_id", session.ID).Msg("session started")
	return session, nil
}

// Session loads a session. store.ErrSessionNotFound is returned when absent.
func (s *Service) Session(ctx context.Context, sessionID string) (support.Session, error) {
	session, err := s.store.LoadSession(ctx, sessionID)
	if err != nil {
		return support.Session{}, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return support.Session{}, store.ErrSessionNotFound
	}
	s.customers.Add(session.ID, session.Customer)
	return *session, nil
}

// Reply processes one customer message. It returns (nil, nil) for an escalated
// session. A failed attempt returns a *ProcessingError and leaves the session
// untouched.
func (s *Service) Reply(ctx context.Context, sessionID, message string, observer pipeline.Observer) (*ReplyResult, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	if s.cfg.ReplyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ReplyTimeout)
		defer cancel()
	}
	logger := s.logger.With().Str("session_id", sessionID).Logger()

	release, err := s.locks.acquire(ctx, sessionID)
	if err != nil {
		s.metrics.ObserveReply("failed")
		return nil, &ProcessingError{Kind: FailureTimeout, Err: err}
	}
	defer release()

	customer, err := s.customer(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	escalated, err := s.store.IsEscalated(ctx, sessionID)
	if err != nil {
		s.metrics.ObserveReply("failed")
		return nil, &ProcessingError{Kind: FailureStore, Err: err}
	}
	if escalated {
		logger.Info().Msg("session escalated, no automatic reply")
		s.metrics.ObserveReply("skipped")
		return nil, nil
	}

	history, err := s.store.Messages(ctx, sessionID)
	if err != nil {
		s.metrics.ObserveReply("failed")
		return nil, &ProcessingError{Kind: FailureStore, Err: err}
	}

	outcome, err := s.pipeline.Run(ctx, pipeline.Input{
		SessionID: sessionID,
		Customer:  customer,
		History:   history,
		Message:   message,
	}, observer)
	if err != nil {
		perr := &ProcessingError{Kind: classify(err), Stage: lastStage(outcome), Err: err}
		logger.Error().Err(err).Str("kind", string(perr.Kind)).Str("stage", perr.Stage).Msg("message processing failed")
		s.metrics.ObserveReply("failed")
		return nil, perr
	}

	if outcome.Escalated() {
		return s.escalate(ctx, logger, sessionID, customer, message, outcome)
	}
	return s.commitReply(ctx, logger, sessionID, message, outcome)
}

func (s *Service) commitReply(ctx context.Context, logger zerolog.Logger, sessionID, message string, outcome pipeline.Outcome) (*ReplyResult, error) {
	_, err := s.store.AppendMessages(ctx, sessionID,
		support.UserMessage(sessionID, message),
		support.AssistantMessage(sessionID, outcome.Reply),
	)
	if errors.Is(err, store.ErrAlreadyEscalated) {
		logger.Warn().Msg("session escalated while processing, reply dropped")
		s.metrics.ObserveReply("skipped")
		return nil, nil
	}
	if err != nil {
		s.metrics.ObserveReply("failed")
		return nil, &ProcessingError{Kind: FailureStore, Stage: pipeline.StageExecutor, Err: err}
	}

	s.metrics.ObserveReply("replied")
	logger.Info().Int("tool_calls", len(outcome.ToolCalls)).Msg("reply committed")
	return &ReplyResult{
		SessionID:    sessionID,
		FinalMessage: outcome.Reply,
		Category:     category(outcome),
		ToolCalls:    nonNil(outcome.ToolCalls),
		Actions:      toolActions(outcome.ToolCalls),
	}, nil
}

func (s *Service) escalate(ctx context.Context, logger zerolog.Logger, sessionID string, customer support.Customer, message string, outcome pipeline.Outcome) (*ReplyResult, error) {
	req := outcome.Escalation
	_, err := s.store.Escalate(ctx, support.Escalation{
		SessionID: sessionID,
		Reason:    req.Reason,
		Summary:   req.Summary,
		Stage:     req.Stage,
		Customer:  customer,
	},
		support.UserMessage(sessionID, message),
		support.AssistantMessage(sessionID, s.cfg.HandoffMessage),
	)
	if errors.Is(err, store.ErrAlreadyEscalated) {
		s.metrics.ObserveReply("skipped")
		return nil, nil
	}
	if err != nil {
		s.metrics.ObserveReply("failed")
		return nil, &ProcessingError{Kind: FailureStore, Stage: req.Stage, Err: err}
	}

	s.metrics.ObserveReply("escalated")
	s.metrics.ObserveEscalation(req.Stage)
	logger.Info().Str("stage", req.Stage).Str("reason", req.Reason).Msg("session escalated")
	return &ReplyResult{
		SessionID:    sessionID,
		Escalated:    true,
		FinalMessage: s.cfg.HandoffMessage,
		Category:     category(outcome),
		ToolCalls:    nonNil(outcome.ToolCalls),
		Actions:      []string{ActionEscalated, "escalate: " + req.Reason},
	}, nil
}

// Trace returns the read-only view of a session.
func (s *Service) Trace(ctx context.Context, sessionID string) (support.Trace, error) {
	session, err := s.Session(ctx, sessionID)
	if err != nil {
		return support.Trace{}, err
	}
	messages, err := s.store.Messages(ctx, sessionID)
	if err != nil {
		return support.Trace{}, fmt.Errorf("load messages: %w", err)
	}
	calls, err := s.store.ToolCalls(ctx, sessionID)
	if err != nil {
		return support.Trace{}, fmt.Errorf("load tool calls: %w", err)
	}
	escalation, err := s.store.Escalation(ctx, sessionID)
	if err != nil {
		return support.Trace{}, fmt.Errorf("load escalation: %w", err)
	}
	return support.Trace{
		Session:    session,
		Messages:   nonNil(messages),
		ToolCalls:  nonNil(calls),
		Escalation: escalation,
		Escalated:  session.Escalated,
	}, nil
}

// customer returns cached attributes; they never change after creation.
func (s *Service) customer(ctx context.Context, sessionID string) (support.Customer, error) {
	if c, ok := s.customers.Get(sessionID); ok {
		return c, nil
	}
	session, err := s.Session(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return support.Customer{}, err
		}
		return support.Customer{}, &ProcessingError{Kind: FailureStore, Err: err}
	}
	return session.Customer, nil
}

func toolActions(calls []support.ToolCall) []string {
	actions := []string{}
	for _, call := range calls {
		if call.Name == tools.EscalateTool || !call.Result.Success {
			continue
		}
		args := string(call.Arguments)
		var compact bytes.Buffer
		if err := json.Compact(&compact, call.Arguments); err == nil {
			args = compact.String()
		}
		actions = append(actions, fmt.Sprintf("%s/%s(%s)", call.Stage, call.Name, args))
	}
	return actions
}

func category(o pipeline.Outcome) pipeline.Category {
	if o.Classification == nil {
		return ""
	}
	return o.Classification.Category
}

func lastStage(o pipeline.Outcome) string {
	if len(o.Stages) == 0 {
		return ""
	}
	return o.Stages[len(o.Stages)-1]
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

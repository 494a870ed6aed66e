// Package ai wraps the chat model behind a single request/response call used
// by every agent stage.
package ai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/support-desk/backend/internal/metrics"
)

var (
	// ErrModelUnavailable marks transport or provider failures. Callers may retry.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrMalformedOutput marks a response that is neither text nor a usable tool request.
	ErrMalformedOutput = errors.New("malformed model output")
)

// Request is one model call on behalf of a stage.
type Request struct {
	Stage       string
	Instruction string
	History     []*schema.Message
	Tools       []*schema.ToolInfo
}

// ToolRequest is a tool invocation asked for by the model.
type ToolRequest struct {
	CallID    string
	Name      string
	Arguments string
}

// Result holds either final text or one or more tool requests. Message is the
// assistant message to append to the working history.
type Result struct {
	Text         string
	ToolRequests []ToolRequest
	Message      *schema.Message
}

// IsFinal reports whether the model produced text instead of tool requests.
func (r Result) IsFinal() bool {
	return len(r.ToolRequests) == 0
}

// ModelFactory builds a fresh chat model. BindTools mutates a model in place,
// so every tool set gets its own instance.
type ModelFactory func(ctx context.Context) (model.ChatModel, error)

// Service sends stage requests to the chat model.
type Service struct {
	newModel ModelFactory
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	chains map[string]compose.Runnable[map[string]any, *schema.Message]
}

// NewService creates the gateway. The tool-less chain is compiled eagerly so
// that missing credentials surface at startup.
func NewService(ctx context.Context, newModel ModelFactory, logger zerolog.Logger, m *metrics.Metrics) (*Service, error) {
	if newModel == nil {
		return nil, fmt.Errorf("chat model factory is required")
	}
	s := &Service{
		newModel: newModel,
		logger:   logger,
		metrics:  m,
		chains:   make(map[string]compose.Runnable[map[string]any, *schema.Message]),
	}
	if _, err := s.chainFor(ctx, nil); err != nil {
		return nil, err
	}
	return s, nil
}

// Complete performs exactly one model call.
func (s *Service) Complete(ctx context.Context, req Request) (Result, error) {
	runnable, err := s.chainFor(ctx, req.Tools)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	msg, err := runnable.Invoke(ctx, map[string]any{
		"instruction": req.Instruction,
		"history":     req.History,
	})
	elapsed := time.Since(start)
	s.metrics.ObserveModelCall(req.Stage, elapsed)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, fmt.Errorf("model call for %s stage: %w", req.Stage, ctxErr)
		}
		s.logger.Warn().Err(err).Str("stage", req.Stage).Dur("elapsed", elapsed).Msg("model call failed")
		return Result{}, fmt.Errorf("%w: %s stage: %w", ErrModelUnavailable, req.Stage, err)
	}

	result, err := toResult(msg)
	if err != nil {
		var content string
		if msg != nil {
			content = msg.Content
		}
		s.logger.Warn().Err(err).Str("stage", req.Stage).Str("raw", content).Msg("unusable model output")
		return Result{}, err
	}

	s.logger.Debug().
		Str("stage", req.Stage).
		Int("tool_requests", len(result.ToolRequests)).
		Int("length", len(result.Text)).
		Dur("elapsed", elapsed).
		Msg("model call completed")
	return result, nil
}

// chainFor compiles one chain per distinct tool set and reuses it.
func (s *Service) chainFor(ctx context.Context, tools []*schema.ToolInfo) (compose.Runnable[map[string]any, *schema.Message], error) {
	key := toolsKey(tools)

	s.mu.Lock()
	defer s.mu.Unlock()
	if runnable, ok := s.chains[key]; ok {
		return runnable, nil
	}

	chatModel, err := s.newModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("build chat model: %w", err)
	}
	if chatModel == nil {
		return nil, fmt.Errorf("build chat model: factory returned nil")
	}
	if len(tools) > 0 {
		if err := chatModel.BindTools(tools); err != nil {
			return nil, fmt.Errorf("bind tools: %w", err)
		}
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{instruction}"),
		schema.MessagesPlaceholder("history", false),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile model chain: %w", err)
	}
	s.chains[key] = runnable
	return runnable, nil
}

func toolsKey(tools []*schema.ToolInfo) string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func toResult(msg *schema.Message) (Result, error) {
	if msg == nil {
		return Result{}, fmt.Errorf("%w: empty response", ErrMalformedOutput)
	}

	if len(msg.ToolCalls) > 0 {
		requests := make([]ToolRequest, 0, len(msg.ToolCalls))
		for i := range msg.ToolCalls {
			call := &msg.ToolCalls[i]
			name := strings.TrimSpace(call.Function.Name)
			if name == "" {
				return Result{}, fmt.Errorf("%w: tool request without name", ErrMalformedOutput)
			}
			if call.ID == "" {
				call.ID = fmt.Sprintf("call_%d", i+1)
			}
			requests = append(requests, ToolRequest{
				CallID:    call.ID,
				Name:      name,
				Arguments: call.Function.Arguments,
			})
		}
		return Result{ToolRequests: requests, Message: msg}, nil
	}

	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return Result{}, fmt.Errorf("%w: no text and no tool requests", ErrMalformedOutput)
	}
	return Result{Text: text, Message: msg}, nil
}

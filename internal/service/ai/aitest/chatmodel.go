// Package aitest provides a scripted eino chat model for tests.
package aitest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Responder produces the model reply for one call. tools holds the schemas
// bound to the model for that call.
type Responder func(ctx context.Context, input []*schema.Message, tools []*schema.ToolInfo) (*schema.Message, error)

// ChatModel implements model.ChatModel on top of a Responder. Like the Ark
// model, BindTools replaces the tools of the receiver.
type ChatModel struct {
	respond Responder
	calls   *atomic.Int64
	built   *atomic.Int64

	mu    sync.RWMutex
	tools []*schema.ToolInfo
}

// NewChatModel wraps respond.
func NewChatModel(respond Responder) *ChatModel {
	return &ChatModel{respond: respond, calls: &atomic.Int64{}, built: &atomic.Int64{}}
}

// Factory returns a constructor of fresh models sharing this model's
// responder and counters.
func (m *ChatModel) Factory() func(context.Context) (model.ChatModel, error) {
	return func(context.Context) (model.ChatModel, error) {
		m.built.Add(1)
		return &ChatModel{respond: m.respond, calls: m.calls, built: m.built}, nil
	}
}

// Calls counts Generate and Stream invocations across every built copy.
func (m *ChatModel) Calls() int {
	return int(m.calls.Load())
}

// Built counts models produced by Factory.
func (m *ChatModel) Built() int {
	return int(m.built.Load())
}

func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	tools := m.tools
	m.mu.RUnlock()
	return m.respond(ctx, input, tools)
}

func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *ChatModel) BindTools(tools []*schema.ToolInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools = tools
	return nil
}

// Step is one scripted reply.
type Step struct {
	Message *schema.Message
	Err     error
}

// Reply scripts a final text answer.
func Reply(text string) Step {
	return Step{Message: schema.AssistantMessage(text, nil)}
}

// Call scripts a single tool request.
func Call(id, name, arguments string) Step {
	return Step{Message: schema.AssistantMessage("", []schema.ToolCall{{
		ID:       id,
		Type:     "function",
		Function: schema.FunctionCall{Name: name, Arguments: arguments},
	}})}
}

// Fail scripts a provider error.
func Fail(err error) Step {
	return Step{Err: err}
}

// Sequence replays steps in order and errors once they run out.
func Sequence(steps ...Step) Responder {
	var mu sync.Mutex
	next := 0
	return func(_ context.Context, _ []*schema.Message, _ []*schema.ToolInfo) (*schema.Message, error) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(steps) {
			return nil, fmt.Errorf("script exhausted after %d calls", len(steps))
		}
		step := steps[next]
		next++
		if step.Err != nil {
			return nil, step.Err
		}
		return cloneMessage(step.Message), nil
	}
}

// Repeat returns the same step forever.
func Repeat(step Step) Responder {
	return func(context.Context, []*schema.Message, []*schema.ToolInfo) (*schema.Message, error) {
		if step.Err != nil {
			return nil, step.Err
		}
		return cloneMessage(step.Message), nil
	}
}

// ByInstruction dispatches on the system instruction: the first route whose
// key occurs in it answers. Unmatched calls fail.
func ByInstruction(routes map[string]Responder) Responder {
	return func(ctx context.Context, input []*schema.Message, tools []*schema.ToolInfo) (*schema.Message, error) {
		var instruction string
		if len(input) > 0 && input[0].Role == schema.System {
			instruction = input[0].Content
		}
		for key, respond := range routes {
			if strings.Contains(instruction, key) {
				return respond(ctx, input, tools)
			}
		}
		return nil, fmt.Errorf("no scripted responder for instruction %.40q", instruction)
	}
}

// Counting wraps respond and counts its invocations in n.
func Counting(n *atomic.Int64, respond Responder) Responder {
	return func(ctx context.Context, input []*schema.Message, tools []*schema.ToolInfo) (*schema.Message, error) {
		n.Add(1)
		return respond(ctx, input, tools)
	}
}

func cloneMessage(msg *schema.Message) *schema.Message {
	if msg == nil {
		return nil
	}
	out := *msg
	out.ToolCalls = append([]schema.ToolCall(nil), msg.ToolCalls...)
	return &out
}

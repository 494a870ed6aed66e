package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/support-desk/backend/internal/metrics"
	"github.com/zhouzirui/support-desk/backend/internal/model/support"
)

// Collaborator performs the side effect behind a tool.
type Collaborator interface {
	Invoke(ctx context.Context, def Definition, args json.RawMessage) (support.Envelope, error)
}

// CollaboratorFunc adapts a function to Collaborator.
type CollaboratorFunc func(ctx context.Context, def Definition, args json.RawMessage) (support.Envelope, error)

func (f CollaboratorFunc) Invoke(ctx context.Context, def Definition, args json.RawMessage) (support.Envelope, error) {
	return f(ctx, def, args)
}

// Recorder persists tool call records.
type Recorder interface {
	RecordToolCall(ctx context.Context, call support.ToolCall) (support.ToolCall, error)
}

// Option customises a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithMetrics enables tool call counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithBinding routes one tool to a dedicated collaborator.
func WithBinding(name string, c Collaborator) Option {
	return func(r *Registry) { r.bindings[name] = c }
}

// Registry is the immutable set of tools known to the process.
type Registry struct {
	defs     map[string]Definition
	order    []string
	fallback Collaborator
	bindings map[string]Collaborator
	recorder Recorder
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewRegistry builds a registry. Tools without a dedicated binding are routed
// to fallback; the escalate tool is acknowledged locally.
func NewRegistry(defs []Definition, fallback Collaborator, recorder Recorder, opts ...Option) (*Registry, error) {
	if recorder == nil {
		return nil, fmt.Errorf("tool registry requires a recorder")
	}
	r := &Registry{
		defs:     make(map[string]Definition, len(defs)),
		fallback: fallback,
		bindings: map[string]Collaborator{EscalateTool: CollaboratorFunc(acknowledgeEscalation)},
		recorder: recorder,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, def := range defs {
		if _, dup := r.defs[def.Name]; dup {
			return nil, fmt.Errorf("tool %q registered twice", def.Name)
		}
		r.defs[def.Name] = def
		r.order = append(r.order, def.Name)
	}
	return r, nil
}

// Definition looks up a tool by name.
func (r *Registry) Definition(name string) (Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Names lists registered tools in catalog order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Scope returns the subset of tools a stage may call. Naming an unregistered
// tool is a wiring error.
func (r *Registry) Scope(names ...string) (*Toolset, error) {
	ts := &Toolset{registry: r, allowed: make(map[string]struct{}, len(names))}
	for _, name := range names {
		if _, ok := r.defs[name]; !ok {
			return nil, fmt.Errorf("tool %q is not registered", name)
		}
		if _, dup := ts.allowed[name]; dup {
			continue
		}
		ts.allowed[name] = struct{}{}
		ts.names = append(ts.names, name)
	}
	return ts, nil
}

// Invocation is one tool call requested by the model.
type Invocation struct {
	SessionID string
	Stage     string
	Name      string
	// Arguments is the raw argument text produced by the model.
	Arguments string
}

// Toolset is a stage's view of the registry.
type Toolset struct {
	registry *Registry
	allowed  map[string]struct{}
	names    []string
}

// Names lists the tools in scope.
func (t *Toolset) Names() []string {
	return append([]string(nil), t.names...)
}

// Allows reports whether name is in scope.
func (t *Toolset) Allows(name string) bool {
	_, ok := t.allowed[name]
	return ok
}

// Infos returns the schemas handed to the model for this stage.
func (t *Toolset) Infos() []*schema.ToolInfo {
	infos := make([]*schema.ToolInfo, 0, len(t.names))
	for _, name := range t.names {
		infos = append(infos, t.registry.defs[name].ToolInfo())
	}
	return infos
}

// Execute runs one invocation. Every failure mode is folded into the result
// envelope and the call is recorded before returning. The error is non-nil
// only when the record could not be persisted.
func (t *Toolset) Execute(ctx context.Context, inv Invocation) (support.ToolCall, error) {
	r := t.registry
	args, decoded, argErr := decodeArguments(inv.Arguments)

	var env support.Envelope
	def, known := r.defs[inv.Name]
	switch {
	case !known:
		env = support.Fail(fmt.Sprintf("unknown tool: %s", inv.Name))
	case !t.Allows(inv.Name):
		env = support.Fail(fmt.Sprintf("tool %s is not available in this stage", inv.Name))
	case argErr != nil:
		env = support.Fail(fmt.Sprintf("invalid arguments for %s: %v", inv.Name, argErr))
	default:
		if missing := def.MissingRequired(decoded); len(missing) > 0 {
			env = support.Fail(fmt.Sprintf("missing required argument(s): %s", strings.Join(missing, ", ")))
		} else {
			env = r.invoke(ctx, def, args)
		}
	}

	call := support.ToolCall{
		SessionID: inv.SessionID,
		Stage:     inv.Stage,
		Name:      inv.Name,
		Arguments: args,
		Result:    env.Normalize(),
	}
	r.metrics.ObserveToolCall(inv.Name, call.Result.Success)

	event := r.logger.Debug()
	if !call.Result.Success {
		event = r.logger.Warn().Str("error", call.Result.Error)
	}
	event.Str("session_id", inv.SessionID).Str("stage", inv.Stage).Str("tool", inv.Name).Msg("tool executed")

	recorded, err := r.recorder.RecordToolCall(ctx, call)
	if err != nil {
		return call, fmt.Errorf("record tool call %s: %w", inv.Name, err)
	}
	return recorded, nil
}

func (r *Registry) invoke(ctx context.Context, def Definition, args json.RawMessage) (env support.Envelope) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Str("tool", def.Name).Msg("tool collaborator panicked")
			env = support.Fail(fmt.Sprintf("tool %s failed unexpectedly", def.Name))
		}
	}()

	c, ok := r.bindings[def.Name]
	if !ok {
		c = r.fallback
	}
	if c == nil {
		return support.Fail(fmt.Sprintf("no provider configured for tool %s", def.Name))
	}
	result, err := c.Invoke(ctx, def, args)
	if err != nil {
		return support.Fail(err.Error())
	}
	return result.Normalize()
}

// decodeArguments returns the arguments as a JSON object. Malformed model
// output gets one repair attempt. On failure the raw text is kept as a JSON
// string so the record stays valid JSON.
func decodeArguments(raw string) (json.RawMessage, map[string]any, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return json.RawMessage(`{}`), map[string]any{}, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil && decoded != nil {
		return json.RawMessage(text), decoded, nil
	}
	repaired, err := jsonrepair.JSONRepair(text)
	if err == nil {
		if err = json.Unmarshal([]byte(repaired), &decoded); err == nil && decoded != nil {
			return json.RawMessage(repaired), decoded, nil
		}
	}
	if err == nil {
		err = fmt.Errorf("arguments must be a JSON object")
	}
	quoted, _ := json.Marshal(raw)
	return quoted, nil, err
}

func acknowledgeEscalation(_ context.Context, _ Definition, args json.RawMessage) (support.Envelope, error) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(args, &req); err != nil || strings.TrimSpace(req.Reason) == "" {
		return support.Fail("escalation requires a reason"), nil
	}
	return support.Succeed(map[string]any{
		"escalation_requested": true,
		"message":              "A human teammate will take over this conversation.",
	}), nil
}

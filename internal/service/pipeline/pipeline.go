// Package pipeline sequences the Router, Policy and Executor stages for one
// inbound customer message.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/support-desk/backend/internal/analysis/tone"
	"github.com/zhouzirui/support-desk/backend/internal/model/support"
	"github.com/zhouzirui/support-desk/backend/internal/tools"
)

// Stage names, also used as the ToolCall.Stage value.
const (
	StageRouter   = "router"
	StagePolicy   = "policy"
	StageExecutor = "executor"
)

// RouterTools are the read-only lookups the router may use.
var RouterTools = []string{
	"shopify_get_order_details",
	"shopify_get_customer_orders",
	"skio_get_subscription_status",
}

// PolicyTools let the policy stage consult workflow rules and escalate.
var PolicyTools = []string{
	"shopify_get_related_knowledge_source",
	tools.EscalateTool,
}

// ExecutorTools are the lookups and actions the executor may take. Catalog
// tools outside this list are never offered to a stage.
var ExecutorTools = []string{
	"shopify_get_order_details",
	"shopify_get_customer_orders",
	"shopify_refund_order",
	"shopify_create_store_credit",
	"skio_get_subscription_status",
	"skio_pause_subscription",
	"skio_cancel_subscription",
	"shopify_get_related_knowledge_source",
	tools.EscalateTool,
}

// Config tunes the pipeline.
type Config struct {
	MaxToolRounds int
	Brand         string
	// HistoryLimit caps how many prior transcript messages are sent to the model.
	HistoryLimit int
}

// Pipeline runs the three stages in a fixed order.
type Pipeline struct {
	runner       *Runner
	router       Stage
	policy       Stage
	executor     Stage
	prompts      PromptBuilder
	historyLimit int
}

// New scopes the registry for each stage.
func New(runner *Runner, registry *tools.Registry, cfg Config) (*Pipeline, error) {
	if cfg.MaxToolRounds < 1 {
		return nil, fmt.Errorf("max tool rounds must be at least 1")
	}
	routerTools, err := registry.Scope(RouterTools...)
	if err != nil {
		return nil, fmt.Errorf("router tools: %w", err)
	}
	policyTools, err := registry.Scope(PolicyTools...)
	if err != nil {
		return nil, fmt.Errorf("policy tools: %w", err)
	}
	executorTools, err := registry.Scope(ExecutorTools...)
	if err != nil {
		return nil, fmt.Errorf("executor tools: %w", err)
	}

	brand := strings.TrimSpace(cfg.Brand)
	if brand == "" {
		brand = "our store"
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = 20
	}

	return &Pipeline{
		runner:       runner,
		router:       Stage{Name: StageRouter, Tools: routerTools, MaxToolRounds: cfg.MaxToolRounds, Parse: ParseClassification},
		policy:       Stage{Name: StagePolicy, Tools: policyTools, MaxToolRounds: cfg.MaxToolRounds, Parse: ParseDecision},
		executor:     Stage{Name: StageExecutor, Tools: executorTools, MaxToolRounds: cfg.MaxToolRounds, Parse: ParseReply},
		prompts:      PromptBuilder{Brand: brand},
		historyLimit: limit,
	}, nil
}

// Input is one inbound message with the transcript that precedes it.
type Input struct {
	SessionID string
	Customer  support.Customer
	History   []support.Message
	Message   string
}

// EscalationRequest is a modeled handoff decision.
type EscalationRequest struct {
	Reason  string
	Summary string
	Stage   string
}

// Outcome is the result of a completed run: either Reply or Escalation is set.
type Outcome struct {
	Classification *Classification
	Decision       *Decision
	Reply          string
	Escalation     *EscalationRequest
	ToolCalls      []support.ToolCall
	Stages         []string
}

// Escalated reports whether the run ended in a handoff.
func (o Outcome) Escalated() bool {
	return o.Escalation != nil
}

// Run executes router, then policy, then the executor only on PROCEED. Any
// error aborts the run; escalation is never inferred from an error. The
// returned Outcome carries the tool calls made so far even on error.
func (p *Pipeline) Run(ctx context.Context, in Input, observer Observer) (Outcome, error) {
	var out Outcome
	history := conversation(in.History, in.Message, p.historyLimit)

	routed, err := p.runStage(ctx, &out, p.router, in.SessionID, p.prompts.Router(in.Customer), history, observer)
	if err != nil {
		return out, err
	}
	if routed.Kind != KindClassification || routed.Classification == nil {
		return out, fmt.Errorf("router stage: %w: expected a classification", ErrMalformedDecision)
	}
	out.Classification = routed.Classification

	decided, err := p.runStage(ctx, &out, p.policy, in.SessionID, p.prompts.Policy(in.Customer, *out.Classification), history, observer)
	if err != nil {
		return out, err
	}
	if decided.Kind != KindDecision || decided.Decision == nil {
		return out, fmt.Errorf("policy stage: %w: expected a decision", ErrMalformedDecision)
	}
	out.Decision = decided.Decision
	if decided.IsEscalation() {
		out.Escalation = p.escalation(in, out.Classification, decided.Decision, StagePolicy)
		return out, nil
	}

	mood := tone.Analyze(in.Message)
	executed, err := p.runStage(ctx, &out, p.executor, in.SessionID, p.prompts.Executor(in.Customer, *out.Classification, *out.Decision, mood), history, observer)
	if err != nil {
		return out, err
	}
	if executed.IsEscalation() {
		out.Escalation = p.escalation(in, out.Classification, executed.Decision, StageExecutor)
		return out, nil
	}
	if executed.Kind != KindReply {
		return out, fmt.Errorf("executor stage: %w: expected a reply", ErrMalformedDecision)
	}
	out.Reply = executed.Reply
	return out, nil
}

func (p *Pipeline) runStage(ctx context.Context, out *Outcome, stage Stage, sessionID, instruction string, history []*schema.Message, observer Observer) (Output, error) {
	out.Stages = append(out.Stages, stage.Name)
	res, err := p.runner.Run(ctx, stage, StageRequest{
		SessionID:   sessionID,
		Instruction: instruction,
		History:     history,
	}, observer)
	out.ToolCalls = append(out.ToolCalls, res.ToolCalls...)
	return res.Output, err
}

func (p *Pipeline) escalation(in Input, cls *Classification, d *Decision, stage string) *EscalationRequest {
	reason := strings.TrimSpace(d.Reason)
	if reason == "" {
		reason = "policy requires human review"
	}
	summary := strings.TrimSpace(d.Summary)
	if summary == "" {
		summary = TeamSummary(in.Customer, cls, reason, in.Message)
	}
	return &EscalationRequest{Reason: reason, Summary: summary, Stage: stage}
}

// conversation converts the stored transcript plus the new message into model
// history, keeping only the most recent limit prior messages.
func conversation(messages []support.Message, latest string, limit int) []*schema.Message {
	start := 0
	if len(messages) > limit {
		start = len(messages) - limit
	}
	history := make([]*schema.Message, 0, len(messages)-start+1)
	for _, msg := range messages[start:] {
		switch msg.Role {
		case support.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case support.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return append(history, schema.UserMessage(latest))
}

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/support-desk/backend/internal/metrics"
	"github.com/zhouzirui/support-desk/backend/internal/model/support"
	"github.com/zhouzirui/support-desk/backend/internal/service/ai"
	"github.com/zhouzirui/support-desk/backend/internal/tools"
)

// ErrLoopExceeded is returned when a stage keeps requesting tools past its cap.
var ErrLoopExceeded = errors.New("tool loop exceeded")

// Model is the gateway a stage talks to.
type Model interface {
	Complete(ctx context.Context, req ai.Request) (ai.Result, error)
}

// Stage configures one role-bound run of the model with tools.
type Stage struct {
	Name string
	// Tools is the subset the stage may call. Escalation is possible only when
	// it contains the escalate tool.
	Tools *tools.Toolset
	// MaxToolRounds bounds the number of tool batches executed in one run.
	MaxToolRounds int
	Parse         Parser
}

// StageRequest is the per-message input of a stage run.
type StageRequest struct {
	SessionID   string
	Instruction string
	History     []*schema.Message
}

// StageResult carries the stage output and every tool call it made.
type StageResult struct {
	Output     Output
	ToolCalls  []support.ToolCall
	ModelCalls int
}

// Runner executes stages against a model.
type Runner struct {
	model         Model
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	retries       int
	retryInterval time.Duration
}

// RunnerOption customises a Runner.
type RunnerOption func(*Runner)

// WithRetries sets how many times an unavailable model is retried per call.
func WithRetries(n int) RunnerOption {
	return func(r *Runner) { r.retries = n }
}

// WithRetryInterval sets the initial backoff between model retries.
func WithRetryInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.retryInterval = d }
}

// WithRunnerLogger sets the runner logger.
func WithRunnerLogger(logger zerolog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithRunnerMetrics enables stage counters.
func WithRunnerMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner builds a runner.
func NewRunner(model Model, opts ...RunnerOption) *Runner {
	r := &Runner{
		model:         model,
		logger:        zerolog.Nop(),
		retries:       2,
		retryInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drives the stage until it produces final text, escalates through the
// escalate tool, fails, or exhausts its tool rounds.
func (r *Runner) Run(ctx context.Context, stage Stage, req StageRequest, observer Observer) (StageResult, error) {
	logger := r.logger.With().Str("session_id", req.SessionID).Str("stage", stage.Name).Logger()
	emit(observer, Event{Type: EventStageStarted, SessionID: req.SessionID, Stage: stage.Name})

	result, err := r.run(ctx, stage, req, observer, logger)

	outcome := stageOutcome(result.Output, err)
	r.metrics.ObserveStage(stage.Name, outcome)
	event := Event{Type: EventStageCompleted, SessionID: req.SessionID, Stage: stage.Name, Outcome: outcome}
	if c := result.Output.Classification; c != nil {
		event.Category = c.Category
	}
	if d := result.Output.Decision; d != nil {
		event.Verdict = d.Verdict
	}
	emit(observer, event)

	if err != nil {
		logger.Warn().Err(err).Int("model_calls", result.ModelCalls).Msg("stage failed")
		return result, fmt.Errorf("%s stage: %w", stage.Name, err)
	}
	logger.Info().Str("outcome", outcome).Int("model_calls", result.ModelCalls).Int("tool_calls", len(result.ToolCalls)).Msg("stage completed")
	return result, nil
}

func (r *Runner) run(ctx context.Context, stage Stage, req StageRequest, observer Observer, logger zerolog.Logger) (StageResult, error) {
	var result StageResult
	var infos []*schema.ToolInfo
	if stage.Tools != nil {
		infos = stage.Tools.Infos()
	}
	history := append(make([]*schema.Message, 0, len(req.History)+4), req.History...)

	for round := 0; ; round++ {
		res, err := r.complete(ctx, ai.Request{
			Stage:       stage.Name,
			Instruction: req.Instruction,
			History:     history,
			Tools:       infos,
		}, logger)
		result.ModelCalls++
		if err != nil {
			return result, err
		}

		if res.IsFinal() {
			out, err := stage.Parse(res.Text)
			if err != nil {
				logger.Warn().Str("raw", res.Text).Msg("stage answer does not fit its contract")
				return result, err
			}
			result.Output = out
			return result, nil
		}

		if round >= stage.MaxToolRounds || stage.Tools == nil {
			return result, fmt.Errorf("%w: model still requesting tools after %d rounds", ErrLoopExceeded, round)
		}

		history = append(history, res.Message)
		for _, tr := range res.ToolRequests {
			call, err := stage.Tools.Execute(ctx, tools.Invocation{
				SessionID: req.SessionID,
				Stage:     stage.Name,
				Name:      tr.Name,
				Arguments: tr.Arguments,
			})
			if err != nil {
				return result, err
			}
			result.ToolCalls = append(result.ToolCalls, call)
			emit(observer, Event{Type: EventToolCalled, SessionID: req.SessionID, Stage: stage.Name, ToolCall: &call})

			if call.Name == tools.EscalateTool && call.Result.Success {
				result.Output = escalationOutput(call.Arguments)
				return result, nil
			}
			history = append(history, schema.ToolMessage(call.Result.JSON(), tr.CallID, schema.WithToolName(tr.Name)))
		}
	}
}

// complete calls the model, retrying only while it is unavailable.
func (r *Runner) complete(ctx context.Context, req ai.Request, logger zerolog.Logger) (ai.Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryInterval
	b.MaxElapsedTime = 0

	var result ai.Result
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		res, err := r.model.Complete(ctx, req)
		if err == nil {
			result = res
			return nil
		}
		if errors.Is(err, ai.ErrModelUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(r.retries, 0))), ctx), func(err error, wait time.Duration) {
		logger.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("model unavailable, retrying")
	})
	return result, err
}

func escalationOutput(arguments json.RawMessage) Output {
	var args struct {
		Reason  string `json:"reason"`
		Summary string `json:"summary_for_team"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		args.Reason = string(arguments)
	}
	return Output{Kind: KindDecision, Decision: &Decision{
		Verdict: Escalate,
		Reason:  strings.TrimSpace(args.Reason),
		Summary: strings.TrimSpace(args.Summary),
	}}
}

func stageOutcome(out Output, err error) string {
	switch {
	case errors.Is(err, ErrLoopExceeded):
		return "loop_exceeded"
	case errors.Is(err, ai.ErrModelUnavailable):
		return "model_unavailable"
	case err != nil:
		return "failed"
	case out.IsEscalation():
		return "escalated"
	default:
		return "completed"
	}
}

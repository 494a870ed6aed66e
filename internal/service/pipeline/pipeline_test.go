package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/support-desk/backend/internal/metrics"
	"github.com/zhouzirui/support-desk/backend/internal/model/support"
	"github.com/zhouzirui/support-desk/backend/internal/service/ai"
	"github.com/zhouzirui/support-desk/backend/internal/service/ai/aitest"
	"github.com/zhouzirui/support-desk/backend/internal/store"
	"github.com/zhouzirui/support-desk/backend/internal/tools"
)

var testCustomer = support.Customer{
	Email:      "alice@example.com",
	FirstName:  "Alice",
	LastName:   "Smith",
	ExternalID: "gid://shopify/Customer/7424155189325",
}

const (
	routerKey   = "Router agent"
	policyKey   = "Policy agent"
	executorKey = "Executor agent"
)

type harness struct {
	pipeline  *Pipeline
	store     *store.MemoryStore
	sessionID string
	model     *aitest.ChatModel
}

// commerce answers every tool with a canned envelope per tool name.
func commerce(results map[string]support.Envelope) tools.Collaborator {
	return tools.CollaboratorFunc(func(_ context.Context, def tools.Definition, _ json.RawMessage) (support.Envelope, error) {
		if env, ok := results[def.Name]; ok {
			return env, nil
		}
		return support.Fail("not stubbed"), nil
	})
}

func newHarness(t *testing.T, respond aitest.Responder, collab tools.Collaborator, rounds int, retries int) *harness {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemoryStore()
	session, err := st.CreateSession(ctx, testCustomer)
	require.NoError(t, err)

	defs, err := tools.DefaultCatalog()
	require.NoError(t, err)
	registry, err := tools.NewRegistry(defs, collab, st)
	require.NoError(t, err)

	cm := aitest.NewChatModel(respond)
	gateway, err := ai.NewService(context.Background(), cm.Factory(), zerolog.Nop(), nil)
	require.NoError(t, err)

	runner := NewRunner(gateway, WithRetries(retries), WithRetryInterval(time.Millisecond), WithRunnerMetrics(metrics.New()))
	p, err := New(runner, registry, Config{MaxToolRounds: rounds, Brand: "Acme"})
	require.NoError(t, err)

	return &harness{pipeline: p, store: st, sessionID: session.ID, model: cm}
}

func (h *harness) run(t *testing.T, message string, observer Observer) (Outcome, error) {
	t.Helper()
	return h.pipeline.Run(context.Background(), Input{
		SessionID: h.sessionID,
		Customer:  testCustomer,
		Message:   message,
	}, observer)
}

func TestOrderStatusScenario(t *testing.T) {
	var executorCalls atomic.Int64
	respond := aitest.ByInstruction(map[string]aitest.Responder{
		routerKey: aitest.Sequence(
			aitest.Call("c1", "shopify_get_order_details", `{"orderId":"#123"}`),
			aitest.Reply(`{"category":"ORDER_STATUS","context":"order #123 status shipped","summary":"customer asks where order #123 is"}`),
		),
		policyKey: aitest.Sequence(aitest.Reply(`{"decision":"PROCEED","note":"share the status"}`)),
		executorKey: aitest.Counting(&executorCalls, aitest.Sequence(
			aitest.Reply("Hi Alice, good news: order #123 has shipped and is on its way."),
		)),
	})
	collab := commerce(map[string]support.Envelope{
		"shopify_get_order_details": support.Succeed(map[string]string{"status": "shipped"}),
	})
	h := newHarness(t, respond, collab, 5, 0)

	var events []Event
	out, err := h.run(t, "Where is my order #123?", ObserverFunc(func(e Event) { events = append(events, e) }))
	require.NoError(t, err)

	assert.False(t, out.Escalated())
	assert.Equal(t, CategoryOrderStatus, out.Classification.Category)
	assert.Equal(t, Proceed, out.Decision.Verdict)
	assert.Contains(t, out.Reply, "shipped")
	assert.Equal(t, []string{StageRouter, StagePolicy, StageExecutor}, out.Stages)
	assert.EqualValues(t, 1, executorCalls.Load())

	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, StageRouter, out.ToolCalls[0].Stage)
	assert.True(t, out.ToolCalls[0].Result.Success)

	recorded, err := h.store.ToolCalls(context.Background(), h.sessionID)
	require.NoError(t, err)
	assert.Len(t, recorded, 1)

	var types []EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []EventType{
		EventStageStarted, EventToolCalled, EventStageCompleted,
		EventStageStarted, EventStageCompleted,
		EventStageStarted, EventStageCompleted,
	}, types)
}

func TestPolicyEscalationSkipsExecutor(t *testing.T) {
	var executorCalls atomic.Int64
	respond := aitest.ByInstruction(map[string]aitest.Responder{
		routerKey: aitest.Sequence(aitest.Reply(`{"category":"REFUND_REQUEST","context":"order #88 delivered 95 days ago"}`)),
		policyKey: aitest.Sequence(
			aitest.Call("p1", tools.EscalateTool, `{"reason":"refund window expired","summary_for_team":"Alice wants a refund for #88, delivered 95 days ago"}`),
		),
		executorKey: aitest.Counting(&executorCalls, aitest.Repeat(aitest.Reply("should never be sent"))),
	})
	h := newHarness(t, respond, commerce(nil), 5, 0)

	out, err := h.run(t, "I want a refund for order #88", nil)
	require.NoError(t, err)

	require.True(t, out.Escalated())
	assert.Equal(t, "refund window expired", out.Escalation.Reason)
	assert.Equal(t, StagePolicy, out.Escalation.Stage)
	assert.Contains(t, out.Escalation.Summary, "#88")
	assert.Empty(t, out.Reply)
	assert.Equal(t, []string{StageRouter, StagePolicy}, out.Stages)
	assert.Zero(t, executorCalls.Load())
	for _, call := range out.ToolCalls {
		assert.NotEqual(t, StageExecutor, call.Stage)
	}
}

func TestPolicyTextualEscalation(t *testing.T) {
	respond := aitest.ByInstruction(map[string]aitest.Responder{
		routerKey: aitest.Repeat(aitest.Reply("REFUND_REQUEST: customer wants money back")),
		policyKey: aitest.Repeat(aitest.Reply("ESCALATE: refund window expired")),
	})
	h := newHarness(t, respond, commerce(nil), 5, 0)

	out, err := h.run(t, "refund please", nil)
	require.NoError(t, err)
	require.True(t, out.Escalated())
	assert.Equal(t, "refund window expired", out.Escalation.Reason)
	assert.Equal(t, CategoryRefundRequest, out.Classification.Category)
	assert.Contains(t, out.Escalation.Summary, "alice@example.com")
}

func TestMalformedPolicyAbortsWithoutEscalation(t *testing.T) {
	var executorCalls atomic.Int64
	respond := aitest.ByInstruction(map[string]aitest.Responder{
		routerKey:   aitest.Repeat(aitest.Reply(`{"category":"GENERAL_INQUIRY"}`)),
		policyKey:   aitest.Repeat(aitest.Reply("Sure, happy to help with that.")),
		executorKey: aitest.Counting(&executorCalls, aitest.Repeat(aitest.Reply("hi"))),
	})
	h := newHarness(t, respond, commerce(nil), 5, 0)

	out, err := h.run(t, "hello", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedDecision)
	assert.False(t, out.Escalated())
	assert.Zero(t, executorCalls.Load())
}

func TestExecutorCanEscalate(t *testing.T) {
	respond := aitest.ByInstruction(map[string]aitest.Responder{
		routerKey: aitest.Repeat(aitest.Reply(`{"category":"WRONG_ITEM"}`)),
		policyKey: aitest.Repeat(aitest.Reply(`PROCEED - offer a return`)),
		executorKey: aitest.Sequence(
			aitest.Call("e1", "shopify_refund_order", `{"orderId":"gid://shopify/Order/1","refundMethod":"STORE_CREDIT"}`),
			aitest.Call("e2", tools.EscalateTool, `{"reason":"refund failed","summary_for_team":"needs manual return"}`),
		),
	})
	h := newHarness(t, respond, commerce(map[string]support.Envelope{
		"shopify_refund_order": support.Fail("order not eligible"),
	}), 5, 0)

	out, err := h.run(t, "you sent me the wrong item", nil)
	require.NoError(t, err)
	require.True(t, out.Escalated())
	assert.Equal(t, StageExecutor, out.Escalation.Stage)
	assert.Equal(t, "offer a return", out.Decision.Note)
	require.Len(t, out.ToolCalls, 2)
	assert.False(t, out.ToolCalls[0].Result.Success)
}

func TestToolFailureIsFedBackToModel(t *testing.T) {
	var sawFailure atomic.Bool
	router := aitest.Sequence(
		aitest.Call("c1", "shopify_get_order_details", `{"orderId":"#404"}`),
		aitest.Reply(`{"category":"ORDER_STATUS","context":"order not found"}`),
	)
	respond := aitest.ByInstruction(map[string]aitest.Responder{
		routerKey: func(ctx context.Context, input []*schema.Message, infos []*schema.ToolInfo) (*schema.Message, error) {
			last := input[len(input)-1]
			if last.Role == schema.Tool && last.ToolCallID == "c1" {
				var env support.Envelope
				if err := json.Unmarshal([]byte(last.Content), &env); err == nil {
					sawFailure.Store(!env.Success && env.Error == "order not found")
				}
			}
			return router(ctx, input, infos)
		},
		policyKey:   aitest.Repeat(aitest.Reply(`{"decision":"PROCEED"}`)),
		executorKey: aitest.Repeat(aitest.Reply("Could you double-check the order number?")),
	})
	h := newHarness(t, respond, commerce(map[string]support.Envelope{
		"shopify_get_order_details": support.Fail("order not found"),
	}), 5, 0)

	out, err := h.run(t, "where is #404", nil)
	require.NoError(t, err)
	assert.True(t, sawFailure.Load())
	assert.Equal(t, "Could you double-check the order number?", out.Reply)
}

func TestToolLoopNeverExceedsCap(t *testing.T) {
	for rounds := 1; rounds <= 4; rounds++ {
		t.Run(fmt.Sprintf("cap=%d", rounds), func(t *testing.T) {
			respond := aitest.ByInstruction(map[string]aitest.Responder{
				routerKey: aitest.Repeat(aitest.Call("", "shopify_get_order_details", `{"orderId":"#1"}`)),
			})
			h := newHarness(t, respond, commerce(map[string]support.Envelope{
				"shopify_get_order_details": support.Succeed(map[string]string{"status": "open"}),
			}), rounds, 0)

			out, err := h.run(t, "loop forever", nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrLoopExceeded)
			assert.False(t, out.Escalated())
			assert.Len(t, out.ToolCalls, rounds)
			assert.Equal(t, rounds+1, h.model.Calls())
		})
	}
}

func TestModelUnavailableIsRetried(t *testing.T) {
	flaky := aitest.Sequence(
		aitest.Fail(errors.New("connection reset")),
		aitest.Fail(errors.New("connection reset")),
		aitest.Reply(`{"category":"OTHER"}`),
	)
	respond := aitest.ByInstruction(map[string]aitest.Responder{
		routerKey:   flaky,
		policyKey:   aitest.Repeat(aitest.Reply(`{"decision":"PROCEED"}`)),
		executorKey: aitest.Repeat(aitest.Reply("Thanks for writing in!")),
	})
	h := newHarness(t, respond, commerce(nil), 5, 2)

	out, err := h.run(t, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "Thanks for writing in!", out.Reply)
	assert.Equal(t, 5, h.model.Calls())
}

func TestModelUnavailableAbortsAfterRetries(t *testing.T) {
	respond := aitest.Repeat(aitest.Fail(errors.New("503")))
	h := newHarness(t, respond, commerce(nil), 5, 1)

	out, err := h.run(t, "hi", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ai.ErrModelUnavailable)
	assert.False(t, out.Escalated())
	assert.Equal(t, 2, h.model.Calls())
}

func TestMalformedOutputIsNotRetried(t *testing.T) {
	respond := aitest.Repeat(aitest.Reply("   "))
	h := newHarness(t, respond, commerce(nil), 5, 3)

	_, err := h.run(t, "hi", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ai.ErrMalformedOutput)
	assert.Equal(t, 1, h.model.Calls())
}

func TestExecutorCannotReachUnlistedTools(t *testing.T) {
	respond := aitest.ByInstruction(map[string]aitest.Responder{
		routerKey: aitest.Repeat(aitest.Reply(`{"category":"ORDER_MODIFICATION"}`)),
		policyKey: aitest.Repeat(aitest.Reply(`{"decision":"PROCEED"}`)),
		executorKey: aitest.Sequence(
			aitest.Call("e1", "shopify_cancel_order", `{"orderId":"gid://shopify/Order/1","reason":"CUSTOMER","notifyCustomer":true,"restock":true,"staffNote":"requested","refundMode":"ORIGINAL","storeCredit":{"expiresAt":null}}`),
			aitest.Call("e2", "shopify_create_discount_code", `{"type":"percentage","value":0.1,"duration":48,"productIds":[]}`),
			aitest.Reply("I have passed your request on."),
		),
	})
	var reached []string
	collab := tools.CollaboratorFunc(func(_ context.Context, def tools.Definition, _ json.RawMessage) (support.Envelope, error) {
		reached = append(reached, def.Name)
		return support.Succeed(nil), nil
	})
	h := newHarness(t, respond, collab, 5, 0)

	out, err := h.run(t, "cancel my order and give me a discount", nil)
	require.NoError(t, err)
	assert.Empty(t, reached)
	require.Len(t, out.ToolCalls, 2)
	for _, call := range out.ToolCalls {
		assert.False(t, call.Result.Success)
		assert.Contains(t, call.Result.Error, "not available")
	}
	assert.Equal(t, "I have passed your request on.", out.Reply)
}

func TestStageToolSubsets(t *testing.T) {
	assert.NotContains(t, PolicyTools, "shopify_get_order_details")
	assert.Len(t, ExecutorTools, 9)
	for _, name := range []string{"shopify_cancel_order", "shopify_update_order_shipping_address", "shopify_create_discount_code", "shopify_add_tags", "skio_unpause_subscription", "skio_skip_next_order_subscription"} {
		assert.NotContains(t, ExecutorTools, name)
	}
}

func TestRouterCannotReachActionTools(t *testing.T) {
	respond := aitest.ByInstruction(map[string]aitest.Responder{
		routerKey: aitest.Sequence(
			aitest.Call("c1", "shopify_refund_order", `{"orderId":"gid://shopify/Order/1","refundMethod":"STORE_CREDIT"}`),
			aitest.Reply(`{"category":"REFUND_REQUEST"}`),
		),
		policyKey: aitest.Repeat(aitest.Reply(`ESCALATE`)),
	})
	refunds := 0
	collab := tools.CollaboratorFunc(func(_ context.Context, def tools.Definition, _ json.RawMessage) (support.Envelope, error) {
		if def.Name == "shopify_refund_order" {
			refunds++
		}
		return support.Succeed(nil), nil
	})
	h := newHarness(t, respond, collab, 5, 0)

	out, err := h.run(t, "refund now", nil)
	require.NoError(t, err)
	assert.Zero(t, refunds)
	require.NotEmpty(t, out.ToolCalls)
	assert.False(t, out.ToolCalls[0].Result.Success)
	assert.Contains(t, out.ToolCalls[0].Result.Error, "not available")
	assert.Equal(t, "policy requires human review", out.Escalation.Reason)
}

func TestConversationKeepsRecentHistory(t *testing.T) {
	var transcript []support.Message
	for i := 0; i < 30; i++ {
		transcript = append(transcript, support.UserMessage("s", fmt.Sprintf("m%d", i)))
	}
	history := conversation(transcript, "latest", 20)
	require.Len(t, history, 21)
	assert.Equal(t, "m10", history[0].Content)
	assert.Equal(t, "latest", history[20].Content)
}

func TestEscalationOutputKeepsUndecodableArguments(t *testing.T) {
	out := escalationOutput(json.RawMessage(`customer threatens chargeback`))
	require.NotNil(t, out.Decision)
	assert.Equal(t, Escalate, out.Decision.Verdict)
	assert.Equal(t, "customer threatens chargeback", out.Decision.Reason)

	out = escalationOutput(json.RawMessage(`{"reason":" damaged item ","summary_for_team":"photo attached"}`))
	assert.Equal(t, "damaged item", out.Decision.Reason)
	assert.Equal(t, "photo attached", out.Decision.Summary)
}

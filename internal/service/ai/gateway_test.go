package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/support-desk/backend/internal/metrics"
	"github.com/zhouzirui/support-desk/backend/internal/service/ai/aitest"
)

func newTestService(t *testing.T, respond aitest.Responder) (*Service, *aitest.ChatModel) {
	t.Helper()
	cm := aitest.NewChatModel(respond)
	svc, err := NewService(context.Background(), cm.Factory(), zerolog.Nop(), metrics.New())
	require.NoError(t, err)
	return svc, cm
}

func TestCompleteReturnsFinalText(t *testing.T) {
	var gotInput []*schema.Message
	svc, cm := newTestService(t, func(_ context.Context, input []*schema.Message, _ []*schema.ToolInfo) (*schema.Message, error) {
		gotInput = input
		return schema.AssistantMessage("  Your order shipped yesterday.  ", nil), nil
	})

	res, err := svc.Complete(context.Background(), Request{
		Stage:       "executor",
		Instruction: "You answer with {braces} intact.",
		History:     []*schema.Message{schema.UserMessage("where is my order?")},
	})
	require.NoError(t, err)
	assert.True(t, res.IsFinal())
	assert.Equal(t, "Your order shipped yesterday.", res.Text)
	assert.Equal(t, 1, cm.Calls())

	require.Len(t, gotInput, 2)
	assert.Equal(t, schema.System, gotInput[0].Role)
	assert.Equal(t, "You answer with {braces} intact.", gotInput[0].Content)
	assert.Equal(t, "where is my order?", gotInput[1].Content)
}

func TestCompleteReturnsToolRequests(t *testing.T) {
	var boundTools []*schema.ToolInfo
	svc, _ := newTestService(t, func(_ context.Context, _ []*schema.Message, tools []*schema.ToolInfo) (*schema.Message, error) {
		boundTools = tools
		return schema.AssistantMessage("", []schema.ToolCall{
			{Function: schema.FunctionCall{Name: "shopify_get_order_details", Arguments: `{"orderId":"#1"}`}},
			{ID: "abc", Function: schema.FunctionCall{Name: "skio_get_subscription_status", Arguments: `{}`}},
		}), nil
	})

	tools := []*schema.ToolInfo{{Name: "shopify_get_order_details"}, {Name: "skio_get_subscription_status"}}
	res, err := svc.Complete(context.Background(), Request{Stage: "executor", Instruction: "x", Tools: tools})
	require.NoError(t, err)
	assert.False(t, res.IsFinal())
	require.Len(t, res.ToolRequests, 2)
	assert.Equal(t, "call_1", res.ToolRequests[0].CallID)
	assert.Equal(t, "call_1", res.Message.ToolCalls[0].ID)
	assert.Equal(t, "abc", res.ToolRequests[1].CallID)
	assert.Len(t, boundTools, 2)
}

func TestCompleteClassifiesFailures(t *testing.T) {
	cases := []struct {
		name string
		step aitest.Step
		want error
	}{
		{name: "transport", step: aitest.Fail(errors.New("503 from provider")), want: ErrModelUnavailable},
		{name: "empty text", step: aitest.Reply("   "), want: ErrMalformedOutput},
		{name: "nameless tool", step: aitest.Call("c1", "", `{}`), want: ErrMalformedOutput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, cm := newTestService(t, aitest.Repeat(tc.step))
			_, err := svc.Complete(context.Background(), Request{Stage: "router", Instruction: "x"})
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, 1, cm.Calls())
		})
	}
}

func TestCompleteHonoursCancellation(t *testing.T) {
	svc, _ := newTestService(t, aitest.Repeat(aitest.Reply("hi")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Complete(ctx, Request{Stage: "router", Instruction: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrModelUnavailable)
}

func TestChainsAreCachedPerToolSet(t *testing.T) {
	svc, cm := newTestService(t, aitest.Repeat(aitest.Reply("ok")))
	ctx := context.Background()
	a := []*schema.ToolInfo{{Name: "b"}, {Name: "a"}}
	b := []*schema.ToolInfo{{Name: "a"}, {Name: "b"}}

	for _, tools := range [][]*schema.ToolInfo{nil, a, b} {
		_, err := svc.Complete(ctx, Request{Stage: "s", Instruction: "x", Tools: tools})
		require.NoError(t, err)
	}
	assert.Len(t, svc.chains, 2)
	assert.Equal(t, 2, cm.Built())
}

func TestToolSetsDoNotShareBoundModels(t *testing.T) {
	seen := map[string][]string{}
	svc, _ := newTestService(t, func(_ context.Context, input []*schema.Message, tools []*schema.ToolInfo) (*schema.Message, error) {
		names := []string{}
		for _, info := range tools {
			names = append(names, info.Name)
		}
		seen[input[0].Content] = names
		return schema.AssistantMessage("ok", nil), nil
	})
	ctx := context.Background()

	router := []*schema.ToolInfo{{Name: "shopify_get_order_details"}}
	executor := []*schema.ToolInfo{{Name: "shopify_refund_order"}, {Name: "escalate"}}
	for _, req := range []Request{
		{Stage: "router", Instruction: "route", Tools: router},
		{Stage: "executor", Instruction: "execute", Tools: executor},
		{Stage: "router", Instruction: "route again", Tools: router},
		{Stage: "policy", Instruction: "decide"},
	} {
		_, err := svc.Complete(ctx, req)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"shopify_get_order_details"}, seen["route"])
	assert.Equal(t, []string{"shopify_refund_order", "escalate"}, seen["execute"])
	assert.Equal(t, []string{"shopify_get_order_details"}, seen["route again"])
	assert.Empty(t, seen["decide"])
}

func TestNewServiceReportsFactoryFailure(t *testing.T) {
	failing := func(context.Context) (model.ChatModel, error) {
		return nil, errors.New("ark credentials missing")
	}
	_, err := NewService(context.Background(), failing, zerolog.Nop(), nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "build chat model")
}

func TestNewServiceRequiresModel(t *testing.T) {
	_, err := NewService(context.Background(), nil, zerolog.Nop(), nil)
	assert.Error(t, err)
}

// Package supporttest builds a fully wired support service over an in-memory
// store and a scripted chat model.
package supporttest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/support-desk/backend/internal/model/support"
	"github.com/zhouzirui/support-desk/backend/internal/service/ai"
	"github.com/zhouzirui/support-desk/backend/internal/service/ai/aitest"
	"github.com/zhouzirui/support-desk/backend/internal/service/pipeline"
	supportService "github.com/zhouzirui/support-desk/backend/internal/service/support"
	"github.com/zhouzirui/support-desk/backend/internal/store"
	"github.com/zhouzirui/support-desk/backend/internal/tools"
)

// Instruction fragments identifying each stage's system prompt.
const (
	RouterKey   = "Router agent"
	PolicyKey   = "Policy agent"
	ExecutorKey = "Executor agent"
)

// Handoff is the handoff text configured on services built here.
const Handoff = "Thanks, a teammate will follow up shortly."

// Customer is a valid customer for tests.
var Customer = support.Customer{
	Email:      "alice@example.com",
	FirstName:  "Alice",
	LastName:   "Smith",
	ExternalID: "gid://shopify/Customer/7424155189325",
}

// New wires the service. Every commerce tool answers with a stubbed success.
func New(t testing.TB, respond aitest.Responder) (*supportService.Service, *store.MemoryStore) {
	t.Helper()

	st := store.NewMemoryStore()
	defs, err := tools.DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog err: %v", err)
	}
	stub := tools.CollaboratorFunc(func(_ context.Context, def tools.Definition, _ json.RawMessage) (support.Envelope, error) {
		return support.Succeed(map[string]string{"tool": def.Name, "status": "ok"}), nil
	})
	registry, err := tools.NewRegistry(defs, stub, st)
	if err != nil {
		t.Fatalf("NewRegistry err: %v", err)
	}

	gateway, err := ai.NewService(context.Background(), aitest.NewChatModel(respond).Factory(), zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("ai.NewService err: %v", err)
	}
	runner := pipeline.NewRunner(gateway, pipeline.WithRetries(0), pipeline.WithRetryInterval(time.Millisecond))
	p, err := pipeline.New(runner, registry, pipeline.Config{MaxToolRounds: 3, Brand: "Acme"})
	if err != nil {
		t.Fatalf("pipeline.New err: %v", err)
	}

	svc, err := supportService.NewService(st, p, supportService.Config{HandoffMessage: Handoff, ReplyTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewService err: %v", err)
	}
	return svc, st
}

// Proceeding answers every message with reply after one order lookup in the
// router stage.
func Proceeding(reply string) aitest.Responder {
	lookup := aitest.Call("lookup", "shopify_get_order_details", `{"orderId":"#1001"}`)
	classified := aitest.Reply(`{"category":"ORDER_STATUS","context":"order #1001 is on its way"}`)
	return aitest.ByInstruction(map[string]aitest.Responder{
		RouterKey: func(ctx context.Context, input []*schema.Message, infos []*schema.ToolInfo) (*schema.Message, error) {
			if last := input[len(input)-1]; last.Role == schema.Tool {
				return aitest.Repeat(classified)(ctx, input, infos)
			}
			return aitest.Repeat(lookup)(ctx, input, infos)
		},
		PolicyKey:   aitest.Repeat(aitest.Reply(`{"decision":"PROCEED"}`)),
		ExecutorKey: aitest.Repeat(aitest.Reply(reply)),
	})
}

// Escalating routes every message to a policy escalation with reason.
func Escalating(reason string) aitest.Responder {
	return aitest.ByInstruction(map[string]aitest.Responder{
		RouterKey: aitest.Repeat(aitest.Reply(`{"category":"REFUND_REQUEST"}`)),
		PolicyKey: aitest.Repeat(aitest.Reply(fmt.Sprintf(`{"decision":"ESCALATE","reason":%q}`, reason))),
	})
}

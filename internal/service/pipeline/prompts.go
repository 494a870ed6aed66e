package pipeline

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/support-desk/backend/internal/analysis/tone"
	"github.com/zhouzirui/support-desk/backend/internal/model/support"
)

// PromptBuilder renders stage instructions for one brand.
type PromptBuilder struct {
	Brand string
}

func (b PromptBuilder) customerContext(c support.Customer) string {
	return fmt.Sprintf("Customer: %s <%s>, Shopify customer ID: %s.", c.DisplayName(), c.Email, c.ExternalID)
}

// Router classifies the request and gathers context with read-only lookups.
func (b PromptBuilder) Router(c support.Customer) string {
	labels := make([]string, 0, len(Categories))
	for _, cat := range Categories {
		labels = append(labels, string(cat))
	}
	return fmt.Sprintf(`You are the Router agent for %s email support. %s

Your job: classify the latest customer message and gather context.
- Use the lookup tools to find the orders or subscriptions the customer is talking about.
- Do not take any action and do not write to the customer.

Answer with a single JSON object and nothing else:
{"category": "<one of: %s>", "context": "<facts you found: order ids, statuses, dates, subscription ids>", "summary": "<one sentence describing the request>"}`,
		b.Brand, b.customerContext(c), strings.Join(labels, ", "))
}

// Policy decides whether the request may be handled automatically.
func (b PromptBuilder) Policy(c support.Customer, cls Classification) string {
	return fmt.Sprintf(`You are the Policy agent for %s. %s

Router classification: %s
Router summary: %s
Router context (read-only):
%s

Check the workflow rules with shopify_get_related_knowledge_source when the request involves refunds, cancellations, returns, store credit or anything with a time window.
If we cannot safely proceed, if the request is outside policy, or if policy requires human review, call the escalate tool with a reason and a summary for the team.
Otherwise answer with a single JSON object and nothing else:
{"decision": "PROCEED", "note": "<brief instructions for the Executor: what is allowed and what is not>"}`,
		b.Brand, b.customerContext(c), cls.Category, orNone(cls.Summary), orNone(cls.Context))
}

// Executor performs the allowed actions and writes the customer reply.
func (b PromptBuilder) Executor(c support.Customer, cls Classification, d Decision, mood tone.Decision) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `You are the Executor agent for %s. %s

Router classification: %s
Router context:
%s
Policy decision: %s
Policy note: %s

Execute the appropriate actions with the tools (order lookups, refunds, store credit, subscription pause or cancel) strictly within the policy note.
Then write the final customer-facing email reply: helpful, concise, professional, signed as the %s support team.
Never promise anything a tool did not confirm. If a tool fails, say what you will do next instead of pretending it worked.
If you discover the request cannot be handled safely, call the escalate tool instead of replying.`,
		b.Brand, b.customerContext(c), cls.Category, orNone(cls.Context), d.Verdict, orNone(d.Note), b.Brand)

	if guidance := tone.Guidance(mood); guidance != "" {
		fmt.Fprintf(&sb, "\n\nCustomer tone: %s (intensity %d/5). %s", mood.Tone, mood.Intensity, guidance)
	}
	return sb.String()
}

// TeamSummary is the fallback escalation summary when the model gave none.
func TeamSummary(c support.Customer, cls *Classification, reason, message string) string {
	category := CategoryOther
	if cls != nil {
		category = cls.Category
	}
	return fmt.Sprintf("Customer %s <%s> (%s). Category: %s. Reason: %s. Latest message: %q",
		c.DisplayName(), c.Email, c.ExternalID, category, reason, message)
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

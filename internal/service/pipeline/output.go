package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrMalformedDecision is returned when a stage answer does not fit its contract.
var ErrMalformedDecision = errors.New("malformed stage output")

// Kind discriminates Output.
type Kind string

const (
	KindClassification Kind = "classification"
	KindDecision       Kind = "decision"
	KindReply          Kind = "reply"
)

// Category is a router workflow label.
type Category string

const (
	CategoryOrderStatus       Category = "ORDER_STATUS"
	CategoryShippingDelay     Category = "SHIPPING_DELAY"
	CategoryRefundRequest     Category = "REFUND_REQUEST"
	CategorySubscription      Category = "SUBSCRIPTION_CHANGE"
	CategoryWrongItem         Category = "WRONG_ITEM"
	CategoryProductIssue      Category = "PRODUCT_ISSUE"
	CategoryOrderModification Category = "ORDER_MODIFICATION"
	CategoryPositiveFeedback  Category = "POSITIVE_FEEDBACK"
	CategoryDiscountPromo     Category = "DISCOUNT_PROMO"
	CategoryGeneralInquiry    Category = "GENERAL_INQUIRY"
	CategoryOther             Category = "OTHER"
)

// Categories lists the closed set the router may answer with.
var Categories = []Category{
	CategoryOrderStatus,
	CategoryShippingDelay,
	CategoryRefundRequest,
	CategorySubscription,
	CategoryWrongItem,
	CategoryProductIssue,
	CategoryOrderModification,
	CategoryPositiveFeedback,
	CategoryDiscountPromo,
	CategoryGeneralInquiry,
	CategoryOther,
}

var categoryAliases = map[string]Category{
	"SUBSCRIPTION":  CategorySubscription,
	"REFUND":        CategoryRefundRequest,
	"SHIPPING":      CategoryShippingDelay,
	"ORDER":         CategoryOrderStatus,
	"DISCOUNT":      CategoryDiscountPromo,
	"PROMO":         CategoryDiscountPromo,
	"FEEDBACK":      CategoryPositiveFeedback,
	"GENERAL":       CategoryGeneralInquiry,
	"WRONG_ORDER":   CategoryWrongItem,
	"DAMAGED_ITEM":  CategoryProductIssue,
	"CANCELLATION":  CategoryOrderModification,
	"ADDRESS":       CategoryOrderModification,
	"ORDER_CHANGE":  CategoryOrderModification,
	"PRODUCT":       CategoryProductIssue,
	"QUESTION":      CategoryGeneralInquiry,
	"INQUIRY":       CategoryGeneralInquiry,
	"UNKNOWN":       CategoryOther,
	"UNCLASSIFIED":  CategoryOther,
	"NOT_SUPPORTED": CategoryOther,
}

// NormalizeCategory maps free-form labels onto the closed set. Anything
// unrecognised becomes OTHER.
func NormalizeCategory(label string) Category {
	key := strings.ToUpper(strings.TrimSpace(label))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	for _, c := range Categories {
		if Category(key) == c {
			return c
		}
	}
	if c, ok := categoryAliases[key]; ok {
		return c
	}
	return CategoryOther
}

// Verdict is the policy outcome.
type Verdict string

const (
	Proceed  Verdict = "PROCEED"
	Escalate Verdict = "ESCALATE"
)

// Classification is the router contract.
type Classification struct {
	Category Category `json:"category"`
	Context  string   `json:"context"`
	Summary  string   `json:"summary"`
}

// Decision is the policy contract. Executors may also produce an ESCALATE
// decision through the escalate tool.
type Decision struct {
	Verdict Verdict `json:"decision"`
	Reason  string  `json:"reason,omitempty"`
	Summary string  `json:"summary_for_team,omitempty"`
	Note    string  `json:"note,omitempty"`
}

// Output is the transient result of one stage run.
type Output struct {
	Kind           Kind
	Classification *Classification
	Decision       *Decision
	Reply          string
}

// IsEscalation reports whether the output ends the conversation with a handoff.
func (o Output) IsEscalation() bool {
	return o.Kind == KindDecision && o.Decision != nil && o.Decision.Verdict == Escalate
}

// Parser turns a stage's final text into its Output.
type Parser func(text string) (Output, error)

var categoryToken = regexp.MustCompile(`[A-Z][A-Z_]{2,}`)

// ParseClassification reads the router answer. JSON is preferred; otherwise
// the first known category token in the text is used, else OTHER.
func ParseClassification(text string) (Output, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Output{}, fmt.Errorf("%w: empty router answer", ErrMalformedDecision)
	}

	var payload struct {
		Category       string `json:"category"`
		Classification string `json:"classification"`
		Context        string `json:"context"`
		Summary        string `json:"summary"`
	}
	if err := decodeObject(text, &payload); err == nil && (payload.Category != "" || payload.Classification != "") {
		label := payload.Category
		if label == "" {
			label = payload.Classification
		}
		return Output{Kind: KindClassification, Classification: &Classification{
			Category: NormalizeCategory(label),
			Context:  strings.TrimSpace(payload.Context),
			Summary:  strings.TrimSpace(payload.Summary),
		}}, nil
	}

	category := CategoryOther
	for _, token := range categoryToken.FindAllString(text, -1) {
		if c := NormalizeCategory(token); c != CategoryOther || token == string(CategoryOther) {
			category = c
			break
		}
	}
	return Output{Kind: KindClassification, Classification: &Classification{
		Category: category,
		Context:  text,
		Summary:  firstLine(text),
	}}, nil
}

// verdictPrefix matches a whole-word verdict at the start of the answer.
var verdictPrefix = regexp.MustCompile(`(?i)^(PROCEED|ESCALATE)\b`)

// ParseDecision reads the policy answer. It accepts a JSON object with a
// "decision" field or text that starts with PROCEED or ESCALATE. Anything else
// is malformed; an unparseable answer is never read as consent.
func ParseDecision(text string) (Output, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Output{}, fmt.Errorf("%w: empty policy answer", ErrMalformedDecision)
	}

	var payload Decision
	if err := decodeObject(text, &payload); err == nil && payload.Verdict != "" {
		return decisionOutput(payload)
	}

	head := strings.TrimLeft(text, "*#>`\"' \t\n")
	if m := verdictPrefix.FindStringSubmatch(head); m != nil {
		verdict := Verdict(strings.ToUpper(m[1]))
		rest := strings.TrimSpace(strings.TrimLeft(head[len(m[0]):], ":-*). \t\n"))
		d := Decision{Verdict: verdict}
		if verdict == Proceed {
			d.Note = rest
		} else {
			reason, details, _ := strings.Cut(rest, "\n")
			d.Reason = strings.TrimSpace(reason)
			d.Summary = strings.TrimSpace(details)
		}
		return decisionOutput(d)
	}
	return Output{}, fmt.Errorf("%w: policy answer has no PROCEED or ESCALATE verdict", ErrMalformedDecision)
}

func decisionOutput(d Decision) (Output, error) {
	d.Verdict = Verdict(strings.ToUpper(strings.TrimSpace(string(d.Verdict))))
	switch d.Verdict {
	case Proceed:
	case Escalate:
		if strings.TrimSpace(d.Reason) == "" {
			d.Reason = "policy requires human review"
		}
	default:
		return Output{}, fmt.Errorf("%w: unknown verdict %q", ErrMalformedDecision, d.Verdict)
	}
	return Output{Kind: KindDecision, Decision: &d}, nil
}

// ParseReply accepts any non-empty text as the customer-facing reply.
func ParseReply(text string) (Output, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Output{}, fmt.Errorf("%w: empty reply", ErrMalformedDecision)
	}
	return Output{Kind: KindReply, Reply: text}, nil
}

// decodeObject extracts the outermost JSON object from text, repairing it once
// if the model produced slightly broken JSON.
func decodeObject(text string, v any) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return fmt.Errorf("missing json object")
	}
	candidate := text[start : end+1]
	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(repaired), v)
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	return strings.TrimSpace(line)
}

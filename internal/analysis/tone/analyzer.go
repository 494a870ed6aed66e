// Package tone infers the customer's mood from a message so replies can
// adjust their register.
package tone

import (
	"strings"
)

// Label 表示客户的大致情绪。
type Label string

const (
	Neutral    Label = "neutral"
	Happy      Label = "happy"
	Frustrated Label = "frustrated"
	Angry      Label = "angry"
	Anxious    Label = "anxious"
	Confused   Label = "confused"
)

// Decision 给出识别出的语气以及 1-5 的强度。
type Decision struct {
	Tone      Label
	Intensity int
	Score     int
}

type bucket struct {
	label    Label
	keywords []string
}

// 按顺序匹配，分数相同时靠前的类别优先。
var keywordBuckets = []bucket{
	{Angry, []string{
		"angry", "furious", "ridiculous", "unacceptable", "scam", "fraud", "terrible", "worst",
		"disgusting", "outrageous", "lawyer", "chargeback", "report you", "never again",
	}},
	{Frustrated, []string{
		"still", "again", "already", "frustrated", "annoyed", "disappointed", "waiting", "weeks",
		"no response", "nobody", "hasn't arrived", "not arrived", "late", "delay", "fed up",
	}},
	{Anxious, []string{
		"worried", "urgent", "asap", "nervous", "concerned", "need it by", "gift", "deadline",
		"please help", "scared", "emergency",
	}},
	{Confused, []string{
		"confused", "don't understand", "not sure", "how do i", "what does", "unclear", "which one",
		"?",
	}},
	{Happy, []string{
		"thanks", "thank you", "love", "great", "awesome", "amazing", "perfect", "happy",
		"appreciate", "wonderful", "obsessed",
	}},
}

// Analyze 根据客户消息推断语气。
func Analyze(message string) Decision {
	normalized := strings.TrimSpace(strings.ToLower(message))
	if normalized == "" {
		return Decision{Tone: Neutral, Intensity: 1}
	}

	scores := make(map[Label]int, len(keywordBuckets))
	for _, b := range keywordBuckets {
		for _, word := range b.keywords {
			if strings.Contains(normalized, word) {
				scores[b.label] += 3
			}
		}
	}

	// 感叹号会放大已有的负面情绪。
	if exclamations := strings.Count(message, "!"); exclamations > 0 {
		switch {
		case scores[Angry] > 0:
			scores[Angry] += exclamations * 2
		case scores[Frustrated] > 0:
			scores[Frustrated] += exclamations * 2
		default:
			scores[Happy] += exclamations
		}
	}
	if isShouting(message) {
		scores[Angry] += 4
	}

	best := Neutral
	bestScore := 0
	for _, b := range keywordBuckets {
		if s := scores[b.label]; s > bestScore {
			best = b.label
			bestScore = s
		}
	}
	if bestScore == 0 {
		return Decision{Tone: Neutral, Intensity: 1}
	}

	intensity := 1 + bestScore/4
	if intensity > 5 {
		intensity = 5
	}
	return Decision{Tone: best, Intensity: intensity, Score: bestScore}
}

// Guidance 给出回复应采用的语气，中性消息返回空字符串。
func Guidance(d Decision) string {
	switch d.Tone {
	case Angry:
		return "The customer is upset. Acknowledge the problem plainly, apologise once, skip pleasantries and state concrete next steps."
	case Frustrated:
		return "The customer is frustrated by waiting or repetition. Be direct, show what you checked and give a clear timeline."
	case Anxious:
		return "The customer is worried about timing. Reassure them with specifics and avoid vague promises."
	case Confused:
		return "The customer is unsure. Explain simply, one step at a time."
	case Happy:
		return "The customer is in a good mood. Match their warmth and keep it brief."
	default:
		return ""
	}
}

func isShouting(message string) bool {
	letters, upper := 0, 0
	for _, r := range message {
		switch {
		case r >= 'A' && r <= 'Z':
			letters++
			upper++
		case r >= 'a' && r <= 'z':
			letters++
		}
	}
	return letters >= 12 && upper*10 >= letters*8
}

// Package strategy holds the pluggable judgement calls the engine delegates:
// whether a conversation is worth remembering, whether two memories state the
// same fact, which memories best serve a query, and how to fold new
// information into an existing summary. Each has a rule-based default that
// needs no model and an LLM-backed variant.
package strategy

import (
	"context"

	"github.com/lazypower/persona/internal/llm"
	"github.com/lazypower/persona/internal/model"
)

// Turn is one message of the conversation handed to the trigger.
type Turn struct {
	Role string `json:"role"` // "user" or "assistant"
	Text string `json:"text"`
}

// TriggerDecision is the trigger's verdict on the recent turns. Fields other
// than ShouldCreate and Confidence are hints; empty hints are filled in by
// the caller.
type TriggerDecision struct {
	ShouldCreate bool
	Confidence   float64
	Kind         model.Kind
	Category     model.Category
	Summary      string
	Tags         []string
	Valence      model.Valence
	Intensity    float64
	Explicit     bool
}

// TriggerDecider decides whether recent turns carry something worth keeping.
type TriggerDecider interface {
	Decide(ctx context.Context, turns []Turn) (TriggerDecision, error)
}

// Verdict is the classifier's answer for a pair of memories.
type Verdict int

const (
	Distinct Verdict = iota
	SameFact
	Supersedes
)

func (v Verdict) String() string {
	switch v {
	case SameFact:
		return "same"
	case Supersedes:
		return "supersedes"
	default:
		return "distinct"
	}
}

// SameFactClassifier compares an existing memory with an incoming one of the
// same category. Timeouts wrap model.ErrClassifierTimeout.
type SameFactClassifier interface {
	Classify(ctx context.Context, existing, incoming model.Record, category model.Category) (Verdict, error)
}

// Reranker picks up to n of items for query and returns their indexes, best
// first. items arrive in score order.
type Reranker interface {
	Rerank(ctx context.Context, query string, items []model.Record, n int) ([]int, error)
}

// SummaryRefiner combines an existing summary with incoming information about
// the same fact.
type SummaryRefiner interface {
	Refine(ctx context.Context, existing, incoming string) (string, error)
}

// Set bundles the four strategies the engine needs.
type Set struct {
	Trigger    TriggerDecider
	Classifier SameFactClassifier
	Reranker   Reranker
	Refiner    SummaryRefiner
}

// Rules returns the rule-based strategies.
func Rules() Set {
	return Set{
		Trigger:    RuleTrigger{},
		Classifier: RuleClassifier{Threshold: DefaultBigramThreshold},
		Reranker:   ScoreOrder{},
		Refiner:    RuleRefiner{},
	}
}

// ForClient returns LLM-backed strategies, or the rule-based ones when
// client is nil.
func ForClient(client llm.Client) Set {
	if client == nil {
		return Rules()
	}
	return Set{
		Trigger:    LLMTrigger{Client: client},
		Classifier: LLMClassifier{Client: client},
		Reranker:   LLMReranker{Client: client},
		Refiner:    LLMRefiner{Client: client},
	}
}

package strategy

import (
	"context"
	"slices"
	"strings"

	"github.com/lazypower/persona/internal/model"
)

// RuleTrigger matches the last user turn against phrase lists. It never
// fails and answers in microseconds, so it also serves as the fallback when
// a slower trigger misses its budget.
type RuleTrigger struct{}

var (
	explicitPhrases = []string{"remember that", "remember this", "don't forget", "keep in mind", "note that"}

	statementPhrases = []string{
		"i prefer", "i like", "i love", "i hate", "i don't like", "i want to", "i'd like to",
		"my goal", "i'm saving", "i am saving", "i'm trying to", "i plan to", "i'm planning",
		"i earn", "i make", "i owe", "i have a", "i have two", "i just", "i got", "i lost",
		"i started", "i moved", "i'm a", "i am a", "we're expecting", "my wife", "my husband",
		"my partner", "my kids", "my son", "my daughter",
	}

	procedurePhrases = []string{"always ", "never ", "please don't", "stop ", "from now on"}

	eventPhrases = []string{"just ", "yesterday", "today", "last week", "last month", "this week", "i got", "i lost", "i started", "i moved"}

	categoryKeywords = []struct {
		category model.Category
		words    []string
	}{
		{model.CategoryBudget, []string{"budget", "spend", "spending", "groceries", "rent", "bills", "subscription", "expenses"}},
		{model.CategoryGoals, []string{"goal", "saving for", "save for", "retire", "retirement", "down payment", "plan to", "emergency fund"}},
		{model.CategoryFinance, []string{"invest", "stock", "fund", "loan", "debt", "mortgage", "credit", "bank", "salary", "income", "tax", "crypto"}},
		{model.CategoryEducation, []string{"school", "college", "degree", "course", "tuition", "student", "university", "learn"}},
		{model.CategoryPersonal, []string{"family", "wife", "husband", "partner", "kid", "son", "daughter", "job", "moved", "birthday", "health", "wedding", "baby"}},
	}

	negativeWords = []string{"lost", "hate", "worried", "stress", "anxious", "laid off", "fired", "debt", "behind on", "can't afford"}
	positiveWords = []string{"love", "excited", "promoted", "raise", "paid off", "bonus", "happy", "finally"}
)

func (RuleTrigger) Decide(_ context.Context, turns []Turn) (TriggerDecision, error) {
	text := lastUserTurn(turns)
	lower := strings.ToLower(text)
	if lower == "" {
		return TriggerDecision{}, nil
	}

	d := TriggerDecision{Summary: text}
	switch {
	case containsAny(lower, explicitPhrases):
		d.ShouldCreate, d.Confidence, d.Explicit = true, 0.95, true
	case containsAny(lower, statementPhrases):
		d.ShouldCreate, d.Confidence = true, 0.7
	case containsAny(lower, procedurePhrases):
		d.ShouldCreate, d.Confidence = true, 0.65
	default:
		return TriggerDecision{}, nil
	}

	d.Kind = model.KindSemantic
	switch {
	case containsAny(lower, procedurePhrases):
		d.Kind = model.KindProcedural
	case containsAny(lower, eventPhrases):
		d.Kind = model.KindEpisodic
	}

	d.Category = model.CategoryOther
	for _, ck := range categoryKeywords {
		for _, w := range ck.words {
			if strings.Contains(lower, w) {
				if d.Category == model.CategoryOther {
					d.Category = ck.category
				}
				d.Tags = append(d.Tags, strings.ReplaceAll(w, " ", "-"))
			}
		}
	}

	d.Valence = model.ValenceNeutral
	switch {
	case containsAny(lower, negativeWords):
		d.Valence, d.Intensity = model.ValenceNegative, 0.6
	case containsAny(lower, positiveWords):
		d.Valence, d.Intensity = model.ValencePositive, 0.5
	}
	return d, nil
}

func lastUserTurn(turns []Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == "user" || turns[i].Role == "" {
			return strings.TrimSpace(turns[i].Text)
		}
	}
	return ""
}

func containsAny(s string, phrases []string) bool {
	return slices.ContainsFunc(phrases, func(p string) bool { return strings.Contains(s, p) })
}

// RuleClassifier treats two summaries as the same fact when their character
// bigram sets overlap by at least Threshold (Jaccard). It never reports
// Supersedes.
type RuleClassifier struct {
	Threshold float64
}

// DefaultBigramThreshold suits summaries that already passed the embedding
// similarity band.
const DefaultBigramThreshold = 0.6

func (c RuleClassifier) Classify(_ context.Context, existing, incoming model.Record, category model.Category) (Verdict, error) {
	if existing.Category != category || incoming.Category != category {
		return Distinct, nil
	}
	th := c.Threshold
	if th <= 0 {
		th = DefaultBigramThreshold
	}
	if BigramSimilarity(existing.Summary, incoming.Summary) >= th {
		return SameFact, nil
	}
	return Distinct, nil
}

// BigramSimilarity is the Jaccard index of the two strings' lower-cased
// character bigram sets.
func BigramSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}

	bigramsA := bigrams(a)
	bigramsB := bigrams(b)
	if len(bigramsA) == 0 || len(bigramsB) == 0 {
		return 0
	}

	shared := 0
	for bg := range bigramsA {
		if bigramsB[bg] {
			shared++
		}
	}
	union := len(bigramsA) + len(bigramsB) - shared
	return float64(shared) / float64(union)
}

func bigrams(s string) map[string]bool {
	r := []rune(s)
	if len(r) < 2 {
		return nil
	}
	m := make(map[string]bool, len(r)-1)
	for i := 0; i < len(r)-1; i++ {
		m[string(r[i:i+2])] = true
	}
	return m
}

// ScoreOrder keeps the incoming order.
type ScoreOrder struct{}

func (ScoreOrder) Rerank(_ context.Context, _ string, items []model.Record, n int) ([]int, error) {
	n = min(n, len(items))
	out := make([]int, max(n, 0))
	for i := range out {
		out[i] = i
	}
	return out, nil
}

// RuleRefiner keeps whichever summary contains the other and otherwise
// keeps the existing one.
type RuleRefiner struct{}

func (RuleRefiner) Refine(_ context.Context, existing, incoming string) (string, error) {
	e := strings.ToLower(strings.TrimSpace(existing))
	i := strings.ToLower(strings.TrimSpace(incoming))
	if i != "" && len(i) > len(e) && strings.Contains(i, e) {
		return incoming, nil
	}
	return existing, nil
}

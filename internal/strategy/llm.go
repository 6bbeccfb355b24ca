package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lazypower/persona/internal/llm"
	"github.com/lazypower/persona/internal/model"
)

// LLMTrigger asks a language model whether the turns are worth remembering.
type LLMTrigger struct {
	Client llm.Client
}

type triggerReply struct {
	ShouldCreate bool     `json:"should_create"`
	Confidence   float64  `json:"confidence"`
	Kind         string   `json:"kind"`
	Category     string   `json:"category"`
	Summary      string   `json:"summary"`
	Tags         []string `json:"tags"`
	Valence      string   `json:"valence"`
	Intensity    float64  `json:"intensity"`
	Explicit     bool     `json:"explicit"`
}

func (t LLMTrigger) Decide(ctx context.Context, turns []Turn) (TriggerDecision, error) {
	lines := make([]string, len(turns))
	for i, turn := range turns {
		role := turn.Role
		if role == "" {
			role = "user"
		}
		lines[i] = role + ": " + turn.Text
	}
	cats := make([]string, len(model.Categories))
	for i, c := range model.Categories {
		cats[i] = string(c)
	}

	resp, err := t.Client.Complete(ctx, llm.TriggerPrompt(lines, cats))
	if err != nil {
		return TriggerDecision{}, fmt.Errorf("trigger: %w", err)
	}
	raw, err := llm.ExtractJSON(resp.Content, '{')
	if err != nil {
		return TriggerDecision{}, fmt.Errorf("trigger: %w", err)
	}
	var r triggerReply
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return TriggerDecision{}, fmt.Errorf("trigger: decode reply: %w", err)
	}

	// Unknown enum values become empty hints rather than errors.
	d := TriggerDecision{
		ShouldCreate: r.ShouldCreate,
		Confidence:   clamp01(r.Confidence),
		Summary:      strings.TrimSpace(r.Summary),
		Tags:         r.Tags,
		Intensity:    clamp01(r.Intensity),
		Explicit:     r.Explicit,
	}
	if k := model.Kind(r.Kind); k.Valid() {
		d.Kind = k
	}
	if c := model.Category(r.Category); c.Valid() {
		d.Category = c
	}
	if v := model.Valence(r.Valence); v.Valid() {
		d.Valence = v
	}
	return d, nil
}

// LLMClassifier asks a language model whether two memories state the same
// fact.
type LLMClassifier struct {
	Client llm.Client
}

func (c LLMClassifier) Classify(ctx context.Context, existing, incoming model.Record, category model.Category) (Verdict, error) {
	resp, err := c.Client.Complete(ctx, llm.SameFactPrompt(existing.Summary, incoming.Summary, string(category)))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Distinct, fmt.Errorf("%w: %w", model.ErrClassifierTimeout, err)
		}
		return Distinct, fmt.Errorf("classify: %w", err)
	}
	raw, err := llm.ExtractJSON(resp.Content, '{')
	if err != nil {
		return Distinct, fmt.Errorf("classify: %w", err)
	}
	var reply struct {
		Verdict string `json:"verdict"`
	}
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return Distinct, fmt.Errorf("classify: decode reply: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(reply.Verdict)) {
	case "same":
		return SameFact, nil
	case "supersedes":
		return Supersedes, nil
	case "distinct":
		return Distinct, nil
	default:
		return Distinct, fmt.Errorf("classify: unknown verdict %q", reply.Verdict)
	}
}

// LLMReranker asks a language model to pick the most useful memories.
type LLMReranker struct {
	Client llm.Client
}

func (r LLMReranker) Rerank(ctx context.Context, query string, items []model.Record, n int) ([]int, error) {
	if len(items) == 0 || n <= 0 {
		return nil, nil
	}
	if query == "" {
		return ScoreOrder{}.Rerank(ctx, query, items, n)
	}
	summaries := make([]string, len(items))
	for i, it := range items {
		summaries[i] = it.Summary
	}

	resp, err := r.Client.Complete(ctx, llm.RerankPrompt(query, summaries, n))
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}
	raw, err := llm.ExtractJSON(resp.Content, '[')
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}
	var picks []int
	if err := json.Unmarshal([]byte(raw), &picks); err != nil {
		return nil, fmt.Errorf("rerank: decode reply: %w", err)
	}

	// The prompt numbers items from 1.
	seen := make(map[int]bool, len(picks))
	out := make([]int, 0, n)
	for _, p := range picks {
		i := p - 1
		if i < 0 || i >= len(items) || seen[i] {
			continue
		}
		seen[i] = true
		out = append(out, i)
		if len(out) == n {
			break
		}
	}
	if len(out) == 0 {
		return nil, errors.New("rerank: reply picked no valid items")
	}
	return out, nil
}

// LLMRefiner asks a language model to fold new information into a summary.
type LLMRefiner struct {
	Client llm.Client
}

func (r LLMRefiner) Refine(ctx context.Context, existing, incoming string) (string, error) {
	resp, err := r.Client.Complete(ctx, llm.RefinePrompt(existing, incoming))
	if err != nil {
		return existing, fmt.Errorf("refine: %w", err)
	}
	out := strings.Trim(strings.TrimSpace(resp.Content), `"`)
	if out == "" {
		return existing, errors.New("refine: empty reply")
	}
	return out, nil
}

func clamp01(f float64) float64 {
	return max(0, min(1, f))
}

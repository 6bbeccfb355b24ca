package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/lazypower/persona/internal/engine"
	"github.com/lazypower/persona/internal/model"
)

const defaultContextBudget = 800

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := engine.RetrieveRequest{
		OwnerID:     q.Get("owner"),
		Query:       q.Get("query"),
		TokenBudget: defaultContextBudget,
	}
	if v := q.Get("budget"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "budget must be a non-negative integer", "code": "invalid_record"})
			return
		}
		req.TokenBudget = n
	}
	for _, c := range q["category"] {
		req.Categories = append(req.Categories, model.Category(c))
	}

	res, err := s.engine.Retrieve(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"context": buildContext(res),
		"omitted": res.Omitted,
	})
}

var sectionTitles = map[model.Kind]string{
	model.KindSemantic:   "What You Know About Them",
	model.KindEpisodic:   "Recent Events",
	model.KindProcedural: "How They Like Things Done",
}

// buildContext renders retrieved memories as a markdown block for prompt
// injection, one section per kind in retrieval order.
func buildContext(res engine.RetrieveResult) string {
	var b strings.Builder
	b.WriteString("<context>\n## Persona Memory\n")

	for _, k := range model.Kinds {
		var lines []string
		for _, m := range res.Memories {
			if m.Record.Kind != k {
				continue
			}
			line := fmt.Sprintf("- [%s] %s", m.Record.Category, m.Record.Summary)
			if k == model.KindEpisodic {
				line = fmt.Sprintf("- [%s, %s] %s", m.Record.CreatedAt.Format("2006-01-02"), m.Record.Category, m.Record.Summary)
			}
			lines = append(lines, line)
		}
		if len(lines) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n### %s\n", sectionTitles[k])
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n")
	}

	b.WriteString("</context>")
	return b.String()
}

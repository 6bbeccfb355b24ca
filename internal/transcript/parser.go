// Package transcript reads JSONL conversation logs into turns for bulk
// ingestion.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/lazypower/persona/internal/strategy"
)

// line is one JSONL record. Both the flat {"role","content"} form and the
// wrapped {"type","message":{...}} form are accepted.
type line struct {
	Type    string          `json:"type"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Message *struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// contentItem is a single content block.
type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

var systemReminderRe = regexp.MustCompile(`<system-reminder>[\s\S]*?</system-reminder>`)

const minTurnChars = 5

// ParseFile reads a JSONL transcript file.
func ParseFile(path string) ([]strategy.Turn, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads user and assistant turns from r. Malformed lines, system
// messages and near-empty turns are skipped.
func Parse(r io.Reader) ([]strategy.Turn, error) {
	var turns []strategy.Turn
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB line buffer

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		if turn, ok := parseLine(raw); ok {
			turns = append(turns, turn)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return turns, nil
}

func parseLine(raw []byte) (strategy.Turn, bool) {
	var l line
	if err := json.Unmarshal(raw, &l); err != nil {
		return strategy.Turn{}, false
	}
	role, content := l.Role, l.Content
	if l.Message != nil {
		role, content = l.Message.Role, l.Message.Content
	}
	if role == "" {
		role = l.Type
	}
	if role != "user" && role != "assistant" {
		return strategy.Turn{}, false
	}

	text := extractText(content)
	text = strings.TrimSpace(systemReminderRe.ReplaceAllString(text, ""))
	if len(text) < minTurnChars || strings.HasPrefix(text, "{") {
		return strategy.Turn{}, false
	}
	return strategy.Turn{Role: role, Text: text}, true
}

// extractText handles the polymorphic content field: a plain string or an
// array of content blocks, of which only text blocks count.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var items []contentItem
	if err := json.Unmarshal(raw, &items); err == nil {
		var texts []string
		for _, item := range items {
			if item.Type == "text" && item.Text != "" {
				texts = append(texts, item.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}

// Windows returns, for every user turn, that turn and up to n-1 turns
// before it. Each window is what a live ingest call would have seen.
func Windows(turns []strategy.Turn, n int) [][]strategy.Turn {
	n = max(n, 1)
	var out [][]strategy.Turn
	for i, t := range turns {
		if t.Role != "user" {
			continue
		}
		start := max(0, i-n+1)
		out = append(out, turns[start:i+1])
	}
	return out
}

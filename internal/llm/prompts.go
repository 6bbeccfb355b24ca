package llm

import (
	"fmt"
	"strings"
)

// TriggerPrompt asks whether the latest turns carry something worth
// remembering about the user.
func TriggerPrompt(turns []string, categories []string) string {
	return fmt.Sprintf(`You decide whether a conversation reveals something durable about the user that a
personal finance assistant should remember.

RECENT TURNS (oldest first):
%s

Worth remembering: stable preferences, goals, constraints, life events, how the user
likes things done. Not worth remembering: greetings, one-off questions, small talk,
anything the assistant said.

Kinds:
- semantic: a lasting fact or preference ("Prefers index funds")
- episodic: a dated event ("Lost their job in March")
- procedural: how the user wants things done ("Wants numbers rounded to the dollar")

Categories: %s

Rules:
- summary is 1-3 sentences in the third person
- confidence is your certainty between 0 and 1
- Return ONLY a JSON object, no other text

Return:
{"should_create": true|false, "confidence": 0.0, "kind": "semantic|episodic|procedural",
 "category": "...", "summary": "...", "tags": ["..."], "valence": "negative|neutral|positive",
 "intensity": 0.0, "explicit": false}`, numbered(turns), strings.Join(categories, ", "))
}

// SameFactPrompt asks whether two memories state the same fact.
func SameFactPrompt(existing, incoming, category string) string {
	return fmt.Sprintf(`You compare two memories about the same user in the %q category.

EXISTING: %s
INCOMING: %s

Answer with exactly one verdict:
- same: both state the same fact, possibly in different words
- supersedes: the incoming memory replaces or contradicts the existing one
- distinct: they are about different things

Return ONLY a JSON object, no other text:
{"verdict": "same|supersedes|distinct"}`, category, existing, incoming)
}

// RerankPrompt asks the model to pick the n items most useful for a query.
func RerankPrompt(query string, items []string, n int) string {
	return fmt.Sprintf(`You select the memories most useful for answering a request.

REQUEST: %s

MEMORIES:
%s

Pick at most %d memories, most useful first. Return ONLY a JSON array of their
numbers, no other text. Example: [3, 1]`, query, numbered(items), n)
}

// RefinePrompt asks for one summary combining an existing memory with new
// information about the same fact.
func RefinePrompt(existing, incoming string) string {
	return fmt.Sprintf(`Two notes describe the same fact about a user. Write one summary of 1-3 sentences
that keeps every detail from both, preferring the newer note where they differ.

OLDER: %s
NEWER: %s

Return ONLY the summary text, no preamble.`, existing, incoming)
}

func numbered(lines []string) string {
	var b strings.Builder
	for i, l := range lines {
		fmt.Fprintf(&b, "%d. %s\n", i+1, l)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ExtractJSON pulls the first JSON value delimited by open and its matching
// close bracket out of a model reply. The reply may contain markdown code
// fences or other wrapper text.
func ExtractJSON(content string, open byte) (string, error) {
	closer := byte('}')
	if open == '[' {
		closer = ']'
	}

	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		// Remove first and last lines (```json and ```)
		if len(lines) > 2 {
			content = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}

	start := strings.IndexByte(content, open)
	end := strings.LastIndexByte(content, closer)
	if start < 0 || end < 0 || end <= start {
		return "", fmt.Errorf("no JSON %c%c found in response", open, closer)
	}
	return content[start : end+1], nil
}

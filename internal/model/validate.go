package model

import (
	"fmt"
	"slices"
	"strings"
	"unicode"
)

// Size limits (approximate token → char conversion: 1 token ≈ 4 chars).
const (
	MaxSummaryChars = 600 // ~150 tokens, one to three sentences
	MaxTags         = 16
	maxTagChars     = 48
)

// SupersededTag marks a record replaced by a contradicting newer one.
const SupersededTag = "superseded"

// CleanSummary trims a summary and bounds its length.
func CleanSummary(s string) (string, error) {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "", fmt.Errorf("%w: summary required", ErrInvalidRecord)
	}
	return truncateClean(s, MaxSummaryChars), nil
}

// NormalizeTags lower-cases, trims, deduplicates and sorts tags, keeping at
// most MaxTags.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = sanitizeTag(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	slices.Sort(out)
	if len(out) > MaxTags {
		out = out[:MaxTags]
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// UnionTags returns the normalized union of two tag sets.
func UnionTags(a, b []string) []string {
	all := make([]string, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	return NormalizeTags(all)
}

// AddID appends id to ids if it is not already present.
func AddID(ids []string, id string) []string {
	if id == "" || slices.Contains(ids, id) {
		return ids
	}
	return append(ids, id)
}

// sanitizeTag normalizes a tag to [a-z0-9_-].
// Spaces and dots become hyphens, other chars are dropped.
func sanitizeTag(tag string) string {
	var b strings.Builder
	prevHyphen := false
	for _, r := range strings.ToLower(strings.TrimSpace(tag)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_':
			b.WriteRune(r)
			prevHyphen = false
		case r == '-' || r == ' ' || r == '.' || r == '/':
			if !prevHyphen && b.Len() > 0 {
				b.WriteByte('-')
				prevHyphen = true
			}
		}
	}
	out := strings.Trim(b.String(), "-_")
	if len(out) > maxTagChars {
		out = strings.Trim(out[:maxTagChars], "-_")
	}
	return out
}

// truncateClean truncates a string to maxLen, cutting at the last word boundary
// to avoid mid-word breaks.
func truncateClean(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	truncated := strings.ToValidUTF8(s[:maxLen], "")
	if idx := strings.LastIndexFunc(truncated, unicode.IsSpace); idx > maxLen/2 {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(truncated)
}

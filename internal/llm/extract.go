package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ParseError reports a failure to extract structured content from a
// free-text response. The raw text is retained for audit.
type ParseError struct {
	Protocol string // "diff", "json", "checklist"
	Raw      string
	Reason   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s extraction failed: %s", e.Protocol, e.Reason)
}

var (
	fencedDiffRe = regexp.MustCompile("(?s)```(?:diff|patch)\\s*\n(.*?)```")
	fencedCodeRe = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\n(.*?)```")
	fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*\n(.*?)```")
)

// ExtractDiff pulls a unified diff out of a free-text response. Heuristics
// are tried in order: a fenced diff/patch block, then any fenced code block
// whose body looks like a diff, then the raw lines starting at the first
// diff header.
func ExtractDiff(raw string) (string, error) {
	if m := fencedDiffRe.FindStringSubmatch(raw); m != nil {
		diff := strings.TrimRight(m[1], "\n") + "\n"
		if looksLikeDiff(diff) {
			return diff, nil
		}
	}

	for _, m := range fencedCodeRe.FindAllStringSubmatch(raw, -1) {
		body := strings.TrimRight(m[1], "\n") + "\n"
		if looksLikeDiff(body) {
			return body, nil
		}
	}

	// Raw scan: collect from the first header line onward.
	lines := strings.Split(raw, "\n")
	start := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "diff --git") ||
			strings.HasPrefix(line, "--- ") ||
			strings.HasPrefix(line, "+++ ") {
			start = i
			break
		}
	}
	if start >= 0 {
		diff := strings.Join(lines[start:], "\n")
		diff = strings.TrimRight(diff, "\n") + "\n"
		if looksLikeDiff(diff) {
			return diff, nil
		}
	}

	return "", &ParseError{Protocol: "diff", Raw: raw, Reason: "no unified diff found in response"}
}

// looksLikeDiff requires a hunk marker plus some form of file header.
func looksLikeDiff(s string) bool {
	if !strings.Contains(s, "@@") {
		return false
	}
	return strings.Contains(s, "diff --git") ||
		(strings.Contains(s, "--- ") && strings.Contains(s, "+++ "))
}

// ExtractJSONArray unmarshals the first JSON array found in the response
// into v. It tries a fenced json block first, then the first top-level
// bracketed array in the raw text.
func ExtractJSONArray(raw string, v any) error {
	if m := fencedJSONRe.FindStringSubmatch(raw); m != nil {
		candidate := strings.TrimSpace(m[1])
		if strings.HasPrefix(candidate, "[") {
			if err := json.Unmarshal([]byte(candidate), v); err == nil {
				return nil
			}
		}
	}

	if candidate := bracketedSpan(raw, '[', ']'); candidate != "" {
		if err := json.Unmarshal([]byte(candidate), v); err == nil {
			return nil
		}
	}

	return &ParseError{Protocol: "json", Raw: raw, Reason: "no parseable JSON array found"}
}

// ExtractJSONObject unmarshals the first JSON object found in the response
// into v, with the same fenced-then-raw heuristic as ExtractJSONArray.
func ExtractJSONObject(raw string, v any) error {
	if m := fencedJSONRe.FindStringSubmatch(raw); m != nil {
		candidate := strings.TrimSpace(m[1])
		if strings.HasPrefix(candidate, "{") {
			if err := json.Unmarshal([]byte(candidate), v); err == nil {
				return nil
			}
		}
	}

	if candidate := bracketedSpan(raw, '{', '}'); candidate != "" {
		if err := json.Unmarshal([]byte(candidate), v); err == nil {
			return nil
		}
	}

	return &ParseError{Protocol: "json", Raw: raw, Reason: "no parseable JSON object found"}
}

// bracketedSpan returns the first balanced top-level span delimited by
// open/close, or "".
func bracketedSpan(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// Review is the structured result of a checklist review.
type Review struct {
	Passed      int
	Total       int
	Score       float64 // passed/total*100
	Approved    bool
	Issues      []string
	Suggestions []string
	Raw         string
}

// approveThreshold is the minimum checklist score for approval.
const approveThreshold = 80.0

// blockingIssueRe rejects a review outright regardless of score.
var blockingIssueRe = regexp.MustCompile(`(?i)security|critical|bug`)

var (
	passGlyphs = []string{"✅", "✔", "✓"}
	failGlyphs = []string{"❌", "✖", "✗"}

	suggestionRe = regexp.MustCompile(`(?i)^\s*(?:suggestion|recommendation)\s*:\s*(.+)$`)
)

// ParseChecklistReview tallies pass/fail glyph lines into a score, captures
// the text after each fail glyph as an issue, and collects
// Suggestion:/Recommendation: lines. A response with no recognizable
// checklist lines is a parse error.
func ParseChecklistReview(raw string) (*Review, error) {
	review := &Review{Raw: raw}

	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)

		if m := suggestionRe.FindStringSubmatch(trimmed); m != nil {
			review.Suggestions = append(review.Suggestions, strings.TrimSpace(m[1]))
			continue
		}

		if glyph := firstGlyph(trimmed, passGlyphs); glyph != "" {
			review.Passed++
			review.Total++
			continue
		}
		if glyph := firstGlyph(trimmed, failGlyphs); glyph != "" {
			review.Total++
			_, after, _ := strings.Cut(trimmed, glyph)
			if issue := strings.TrimSpace(after); issue != "" {
				review.Issues = append(review.Issues, issue)
			}
			continue
		}
	}

	if review.Total == 0 {
		return nil, &ParseError{Protocol: "checklist", Raw: raw, Reason: "no checklist lines found"}
	}

	review.Score = float64(review.Passed) / float64(review.Total) * 100
	review.Approved = review.Score >= approveThreshold && !review.hasBlockingIssue()
	return review, nil
}

func (r *Review) hasBlockingIssue() bool {
	for _, issue := range r.Issues {
		if blockingIssueRe.MatchString(issue) {
			return true
		}
	}
	return false
}

func firstGlyph(line string, glyphs []string) string {
	for _, g := range glyphs {
		if strings.Contains(line, g) {
			return g
		}
	}
	return ""
}

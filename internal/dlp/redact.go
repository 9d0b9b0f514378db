package dlp

import (
	"sort"
	"strings"
)

// Span is a redacted region and the rule that owns it.
type Span struct {
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

// Spans resolves overlapping matches into disjoint spans in one left-to-right
// pass. Overlapping matches are merged so no fragment of any of them
// survives; the highest-confidence match names the merged span.
func Spans(matches []Match) []Span {
	if len(matches) == 0 {
		return nil
	}
	sorted := append([]Match(nil), matches...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var spans []Span
	cur := Span{Start: sorted[0].Start, End: sorted[0].End, Type: sorted[0].Type, Confidence: sorted[0].Confidence}
	for _, m := range sorted[1:] {
		if m.Start < cur.End {
			if m.End > cur.End {
				cur.End = m.End
			}
			if m.Confidence > cur.Confidence {
				cur.Type, cur.Confidence = m.Type, m.Confidence
			}
			continue
		}
		spans = append(spans, cur)
		cur = Span{Start: m.Start, End: m.End, Type: m.Type, Confidence: m.Confidence}
	}
	return append(spans, cur)
}

// Redact replaces every sensitive span in text with the placeholder.
// Existing placeholders are preserved, so redacting twice changes nothing.
func (s *Scanner) Redact(text string) string {
	res := s.Scan(text)
	if !res.Found {
		return text
	}
	masked := placeholderSpans(text, s.placeholder)

	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	for _, sp := range Spans(res.Matches) {
		for _, seg := range subtract(sp.Start, sp.End, masked) {
			b.WriteString(text[pos:seg[0]])
			b.WriteString(s.placeholder)
			pos = seg[1]
		}
	}
	b.WriteString(text[pos:])
	return b.String()
}

// placeholderSpans returns the byte ranges of placeholder occurrences.
func placeholderSpans(text, placeholder string) [][2]int {
	if placeholder == "" {
		return nil
	}
	var spans [][2]int
	for i := 0; i < len(text); {
		j := strings.Index(text[i:], placeholder)
		if j < 0 {
			break
		}
		start := i + j
		spans = append(spans, [2]int{start, start + len(placeholder)})
		i = start + len(placeholder)
	}
	return spans
}

// covered reports whether [start,end) lies within a single masked range.
func covered(masked [][2]int, start, end int) bool {
	for _, m := range masked {
		if start >= m[0] && end <= m[1] {
			return true
		}
	}
	return false
}

// subtract removes masked ranges from [start,end) and returns what remains.
func subtract(start, end int, masked [][2]int) [][2]int {
	segs := [][2]int{{start, end}}
	for _, m := range masked {
		var next [][2]int
		for _, s := range segs {
			if m[1] <= s[0] || m[0] >= s[1] {
				next = append(next, s)
				continue
			}
			if s[0] < m[0] {
				next = append(next, [2]int{s[0], m[0]})
			}
			if m[1] < s[1] {
				next = append(next, [2]int{m[1], s[1]})
			}
		}
		segs = next
	}
	return segs
}

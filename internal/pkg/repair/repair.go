package repair

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Decode parses raw model output into v, tolerating prose wrapping,
// markdown code fences and truncated payloads. It is deterministic and
// has no side effects. usedRepair reports whether any recovery step was
// needed, strict valid JSON decodes with usedRepair=false.
func Decode(raw string, v any) (usedRepair bool, err error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return false, fmt.Errorf("empty payload")
	}

	if err := json.Unmarshal([]byte(trimmed), v); err == nil {
		return false, nil
	}

	if fenced, ok := stripFence(trimmed); ok {
		if err := json.Unmarshal([]byte(fenced), v); err == nil {
			return true, nil
		}
	}

	candidate, truncated, ok := extract(trimmed)
	if !ok {
		return false, fmt.Errorf("no JSON found (payload: %s)", excerpt(trimmed))
	}
	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return true, nil
	}
	if truncated {
		repaired := closeTruncated(candidate)
		if err := json.Unmarshal([]byte(repaired), v); err == nil {
			return true, nil
		}
	}
	return false, fmt.Errorf("can't parse model output (payload: %s)", excerpt(trimmed))
}

// stripFence returns the content of a single markdown fenced block,
// fences count only when a line starts with three backticks
func stripFence(s string) (string, bool) {
	lines := strings.Split(s, "\n")
	start := -1
	for i, ln := range lines {
		if strings.HasPrefix(strings.TrimSpace(ln), "```") {
			start = i
			break
		}
	}
	if start < 0 {
		return "", false
	}
	end := -1
	for i := len(lines) - 1; i > start; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			end = i
			break
		}
	}
	if end < 0 {
		return "", false
	}
	res := strings.TrimSpace(strings.Join(lines[start+1:end], "\n"))
	return res, res != ""
}

// extract locates the first '{' or '['  and scans to its matching close,
// tracking quoted strings. truncated is set when input ends before the
// bracket closes, candidate is then the rest of the input.
func extract(s string) (candidate string, truncated, found bool) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false, false
	}
	open := s[start]
	var closing byte = '}'
	if open == '[' {
		closing = ']'
	}
	depth, inString, escaped := 0, false, false
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
		case closing:
			depth--
			if depth == 0 {
				return s[start : i+1], false, true
			}
		}
	}
	return s[start:], true, true
}

// closeTruncated repairs a truncated candidate: drops a trailing comma,
// terminates an open string, then balances every bracket opened outside
// of a string, innermost first.
func closeTruncated(s string) string {
	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
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
		case '{', '[':
			stack = append(stack, c)
		case '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
	}
	var b strings.Builder
	if inString {
		b.WriteString(s)
		b.WriteByte('"')
	} else {
		b.WriteString(strings.TrimRight(strings.TrimSpace(s), ","))
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

const excerptLimit = 160

// excerpt returns a bounded single line snippet for diagnostics
func excerpt(s string) string {
	replacer := strings.NewReplacer("\r", " ", "\n", " ", "\t", " ")
	clean := strings.Join(strings.Fields(replacer.Replace(s)), " ")
	runes := []rune(clean)
	if len(runes) > excerptLimit {
		return string(runes[:excerptLimit]) + "..."
	}
	return clean
}

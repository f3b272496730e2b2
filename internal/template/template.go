// Package template implements the Ollama-style prompt template language:
// {{ if .Field }}...{{ end }} conditional blocks and {{ .Field }}
// variable substitution. It is a tokenizer, not a regex engine, but
// preserves the exact substitution order and limitations of the
// original implementation it's grounded on: blocks are matched
// left-to-right, one at a time, and nested {{ if }} blocks are
// rejected rather than silently mishandled.
package template

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned when a template cannot be parsed: an
// unterminated block, a mismatched {{ end }}, or a nested {{ if }}.
var ErrMalformed = errors.New("template: malformed")

// Values supplies the substitution values for a template. Any field
// absent from the map is treated as empty/falsy.
type Values map[string]string

// Render expands tmpl against values. If breakEarlyOnResponse is true
// and the template contains a {{ .Response }} variable reference (after
// conditional blocks are resolved), the output is truncated at the
// start of that reference instead of substituting it — used for
// continuation prompts, where generation should resume exactly where
// the template would have inserted the model's own prior response.
func Render(tmpl string, values Values, breakEarlyOnResponse bool) (string, error) {
	resolved, err := resolveBlocks(tmpl, values)
	if err != nil {
		return "", err
	}

	if breakEarlyOnResponse {
		if idx := strings.Index(resolved, "{{ .Response }}"); idx != -1 {
			resolved = resolved[:idx]
		} else if idx := strings.Index(resolved, "{{.Response}}"); idx != -1 {
			resolved = resolved[:idx]
		}
	}

	return substituteVariables(resolved, values), nil
}

// resolveBlocks repeatedly finds and replaces the leftmost {{ if .X }}
// ... {{ end }} block with its body (if X is truthy) or empty string
// (if falsy), until no blocks remain. A second {{ if }} found before
// the first one's matching {{ end }} is treated as nesting and rejected.
func resolveBlocks(tmpl string, values Values) (string, error) {
	const maxIterations = 1000 // guards against a malformed template looping forever
	for i := 0; i < maxIterations; i++ {
		start := indexAny(tmpl, "{{ if .", "{{if .")
		if start == -1 {
			return tmpl, nil
		}

		openEnd := strings.Index(tmpl[start:], "}}")
		if openEnd == -1 {
			return "", fmt.Errorf("%w: unterminated {{ if }} tag", ErrMalformed)
		}
		openEnd += start + 2

		field, err := parseIfField(tmpl[start:openEnd])
		if err != nil {
			return "", err
		}

		// Find the matching {{ end }}, rejecting a nested {{ if }} found first.
		rest := tmpl[openEnd:]
		nextIf := indexAny(rest, "{{ if .", "{{if .")
		endIdx := indexAny(rest, "{{ end }}", "{{end}}")
		if endIdx == -1 {
			return "", fmt.Errorf("%w: {{ if .%s }} without matching {{ end }}", ErrMalformed, field)
		}
		if nextIf != -1 && nextIf < endIdx {
			return "", fmt.Errorf("%w: nested {{ if }} blocks are not supported", ErrMalformed)
		}

		body := rest[:endIdx]
		endTagLen := len("{{ end }}")
		if strings.HasPrefix(rest[endIdx:], "{{end}}") {
			endTagLen = len("{{end}}")
		}
		after := rest[endIdx+endTagLen:]

		replacement := ""
		if values[field] != "" {
			replacement = body
		}

		tmpl = tmpl[:start] + replacement + after
	}
	return "", fmt.Errorf("%w: exceeded maximum block resolution iterations", ErrMalformed)
}

func indexAny(s string, substrs ...string) int {
	best := -1
	for _, sub := range substrs {
		if idx := strings.Index(s, sub); idx != -1 && (best == -1 || idx < best) {
			best = idx
		}
	}
	return best
}

// parseIfField extracts "X" from a "{{ if .X }}" (or "{{if .X}}") tag.
func parseIfField(tag string) (string, error) {
	trimmed := strings.TrimSpace(tag)
	trimmed = strings.TrimPrefix(trimmed, "{{")
	trimmed = strings.TrimSuffix(trimmed, "}}")
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimPrefix(trimmed, "if")
	trimmed = strings.TrimSpace(trimmed)
	trimmed = strings.TrimPrefix(trimmed, ".")
	trimmed = strings.TrimSpace(trimmed)
	if trimmed == "" {
		return "", fmt.Errorf("%w: {{ if }} tag missing field reference", ErrMalformed)
	}
	return trimmed, nil
}

// substituteVariables replaces every remaining {{ .X }} with values[X],
// one match at a time, left to right.
func substituteVariables(tmpl string, values Values) string {
	var b strings.Builder
	rest := tmpl
	for {
		start := indexAny(rest, "{{ .", "{{.")
		if start == -1 {
			b.WriteString(rest)
			return b.String()
		}
		end := strings.Index(rest[start:], "}}")
		if end == -1 {
			b.WriteString(rest)
			return b.String()
		}
		end += start + 2

		field := strings.TrimSpace(rest[start:end])
		field = strings.TrimPrefix(field, "{{")
		field = strings.TrimSuffix(field, "}}")
		field = strings.TrimSpace(field)
		field = strings.TrimPrefix(field, ".")
		field = strings.TrimSpace(field)

		b.WriteString(rest[:start])
		b.WriteString(values[field])
		rest = rest[end:]
	}
}

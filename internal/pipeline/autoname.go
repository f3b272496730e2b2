package pipeline

import "strings"

// maxAutonameRunes bounds the auto-generated tab-title-style name a
// pristine sequence receives after its first completion.
const maxAutonameRunes = 280

// normalizeAutoname trims a raw model-generated title down to something
// fit for a tab title: take the first non-blank line, strip a single
// matched pair of surrounding quote marks (or a single dangling
// trailing quote), and cap the length.
func normalizeAutoname(raw string) string {
	var name string
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			name = trimmed
			break
		}
	}
	if name == "" {
		return ""
	}

	if strings.Count(name, `"`) == 1 && strings.HasSuffix(name, `"`) {
		name = name[:len(name)-1]
	}
	if len(name) > 2 {
		for _, quote := range []string{`"`, "'", "`"} {
			if strings.HasPrefix(name, quote) && strings.HasSuffix(name, quote) {
				name = strings.TrimPrefix(name, quote)
				name = strings.TrimSuffix(name, quote)
				break
			}
		}
	}

	runes := []rune(name)
	if len(runes) > maxAutonameRunes {
		runes = runes[:maxAutonameRunes]
	}
	return string(runes)
}

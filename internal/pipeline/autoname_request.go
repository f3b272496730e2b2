package pipeline

import (
	"context"
	"strings"

	"github.com/nugget/gatehouse/internal/adapter"
	"github.com/nugget/gatehouse/internal/provider"
)

// autonameSeed is prepended to the assistant's reply so the model
// answers with a bare title instead of prose.
const autonameSeed = "Tab title: "

// Autoname summarizes a sequence's messages into a short display title
// via a dedicated (usually small/fast) model, normalizing the result
// for use as human_desc. A reply that echoes autonameSeed has it removed.
func Autoname(ctx context.Context, p provider.Provider, model string, messages []adapter.Message) (string, error) {
	var content strings.Builder
	for _, m := range messages {
		content.WriteString(m.Content)
		content.WriteString("\n")
	}

	prompt := "Summarize the provided messages, suitable as a short description for a tab title. " +
		"Answer with that title only, do not provide additional information. Reply with exactly one title.\n\n" +
		content.String()

	result, err := p.DoChatNolog(ctx, model, []provider.Message{
		{Role: "user", Content: prompt},
		{Role: "assistant", Content: autonameSeed},
	})
	if err != nil {
		return "", err
	}

	return normalizeAutoname(strings.TrimPrefix(strings.TrimSpace(result.Content), autonameSeed)), nil
}

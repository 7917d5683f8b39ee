package llm

import (
	"fmt"
	"strings"

	"churn_server/core/domain"
)

// DefaultMaxContentChars bounds the ticket text sent to the model.
const DefaultMaxContentChars = 6000

// BuildPrompt renders the system and user messages for one ticket from the
// builtin templates. Identical inputs always render identical prompts.
func BuildPrompt(in domain.AnalysisInput, maxContent int) (string, string) {
	system, user, err := RenderPrompt(builtinPrompts, in, maxContent)
	if err != nil {
		// builtin templates are validated at init and inputs are well typed
		panic(err)
	}
	return system, user
}

// RenderPrompt renders one ticket's prompt from a template set.
func RenderPrompt(set map[string]*PromptTemplate, in domain.AnalysisInput, maxContent int) (string, string, error) {
	sysTmpl, userTmpl := set[TemplateSystem], set[TemplateUser]
	if sysTmpl == nil || userTmpl == nil {
		return "", "", fmt.Errorf("prompt set needs %s and %s", TemplateSystem, TemplateUser)
	}

	vars := map[string]any{"topics": in.Topics}
	if !in.ColdStart() && len(in.Rules) > 0 {
		rules := make([]domain.PromptRule, len(in.Rules))
		for i, r := range in.Rules {
			rules[i] = domain.PromptRule{Topic: r.Topic, Body: oneLine(r.Body)}
		}
		vars["rules"] = rules
	}
	system, err := sysTmpl.Render(vars)
	if err != nil {
		return "", "", err
	}

	user, err := userTmpl.Render(map[string]any{"ticket": truncateBody(in.Content, maxContent)})
	if err != nil {
		return "", "", err
	}
	return system, user, nil
}

func truncateBody(body string, maxLen int) string {
	if maxLen <= 0 {
		return body
	}
	runes := []rune(body)
	if len(runes) <= maxLen {
		return body
	}
	return string(runes[:maxLen]) + "..."
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

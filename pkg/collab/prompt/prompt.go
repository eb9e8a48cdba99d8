// Package prompt builds the model input shared by the LLM-backed question
// answerers.
package prompt

import (
	"fmt"
	"strings"

	"github.com/vango-go/demo-copilot/pkg/core"
)

// DefaultConfidence is reported for model answers, which carry no score.
const DefaultConfidence = 0.9

const role = `
Your role:
1. Answer questions clearly and concisely (2-3 sentences).
2. Reference what was shown in the demo when relevant.
3. Be enthusiastic but professional.
4. If you don't know something, say so and offer to follow up.
5. Relate answers back to customer benefits.
6. Keep answers conversational; they are spoken aloud.

Guidelines:
- Avoid technical jargon unless the customer uses it first.
- Focus on business value, not just features.
- Do not use markdown, lists or emoji.
`

// System renders the system instruction for one question.
func System(ac core.AnswerContext) string {
	p := ac.Product
	name := p.Name
	if name == "" {
		name = "our product"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are an expert sales engineer conducting a live product demonstration for %s.\n", name)
	if p.Description != "" {
		fmt.Fprintf(&b, "\nProduct overview:\n%s\n", strings.TrimSpace(p.Description))
	}
	list(&b, "Key features", p.Features)
	list(&b, "Differentiators", p.Differentiators)
	list(&b, "Ideal customers", p.IdealCustomers)
	if p.Pricing != "" {
		fmt.Fprintf(&b, "\nPricing: %s\n", p.Pricing)
	}
	if p.Security != "" {
		fmt.Fprintf(&b, "\nSecurity: %s\n", p.Security)
	}

	if ac.TotalSteps > 0 {
		b.WriteString("\nCurrent demo context:\n")
		fmt.Fprintf(&b, "- Current step: %d of %d\n", ac.StepIndex+1, ac.TotalSteps)
		if ac.SectionName != "" {
			fmt.Fprintf(&b, "- Section: %s\n", ac.SectionName)
		}
		fmt.Fprintf(&b, "- Progress: %.0f%%\n", ac.ProgressPercent)
	}
	if c := customer(ac.Customer); c != "" {
		fmt.Fprintf(&b, "\nThe customer: %s\n", c)
	}
	b.WriteString(role)
	return b.String()
}

func list(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}

func customer(c core.CustomerInfo) string {
	var parts []string
	if c.Name != "" {
		parts = append(parts, c.Name)
	}
	if c.Company != "" {
		parts = append(parts, "from "+c.Company)
	}
	if c.Industry != "" {
		parts = append(parts, "("+c.Industry+" industry)")
	}
	return strings.Join(parts, " ")
}

// Message is one turn of the conversation sent to a model.
type Message struct {
	Role    string
	Content string
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation replays the answered turns followed by the new question.
func Conversation(ac core.AnswerContext, question string) []Message {
	out := make([]Message, 0, len(ac.History)*2+1)
	for _, t := range ac.History {
		if strings.TrimSpace(t.Question) == "" || strings.TrimSpace(t.Answer) == "" {
			continue
		}
		out = append(out,
			Message{Role: RoleUser, Content: t.Question},
			Message{Role: RoleAssistant, Content: t.Answer},
		)
	}
	return append(out, Message{Role: RoleUser, Content: question})
}

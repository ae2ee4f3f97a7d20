package prompt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"policy-llm/backend/internal/contract"
	"policy-llm/backend/internal/decision"
)

// DefaultMaxSnippetChars bounds each rendered context excerpt.
const DefaultMaxSnippetChars = 400

// Builder renders decide requests into model instructions.
type Builder struct {
	maxSnippetChars int
}

// NewBuilder returns a Builder; non-positive limits fall back to the default.
func NewBuilder(maxSnippetChars int) *Builder {
	if maxSnippetChars <= 0 {
		maxSnippetChars = DefaultMaxSnippetChars
	}
	return &Builder{maxSnippetChars: maxSnippetChars}
}

// Build renders the prompt. Output depends only on the request.
func (b *Builder) Build(req decision.DecideRequest) string {
	builder := &strings.Builder{}
	builder.WriteString("You are a Policy LLM deciding whether an autonomous agent may call an API endpoint.\n\n")

	builder.WriteString("ROLE PROFILE:\n")
	fmt.Fprintf(builder, "- Agent: %s\n", req.AgentID)
	fmt.Fprintf(builder, "- Template: %s\n", req.RoleTemplate)
	fmt.Fprintf(builder, "- Trust Level: %d (L%d)\n", req.TrustLevel, req.TrustLevel)
	fmt.Fprintf(builder, "- Environment: %s\n", req.Environment)
	fmt.Fprintf(builder, "- Endpoint: %s\n", req.Endpoint)
	fmt.Fprintf(builder, "- Urgency: %s\n", req.Urgency)
	if len(req.Metadata) > 0 {
		fmt.Fprintf(builder, "- Metadata: %s\n", renderMetadata(req.Metadata))
	}

	builder.WriteString("\nTRUST CONTEXT:\n")
	fmt.Fprintf(builder, "- Recent Signals: %s\n", renderSignals(req.RecentSignals))
	builder.WriteString("- Context Snippets:\n")
	if len(req.ContextSnippets) == 0 {
		builder.WriteString("  none\n")
	}
	for _, s := range req.ContextSnippets {
		builder.WriteString(b.renderSnippet(s))
		builder.WriteByte('\n')
	}

	builder.WriteString("\nDECISION REQUIREMENTS:\n")
	builder.WriteString("1. Respond with ONLY valid JSON according to the schema\n")
	builder.WriteString("2. Include explicit 'sources' citing retrieved document IDs\n")
	builder.WriteString("3. Set 'requiresApproval' = true for:\n")
	builder.WriteString("   - Production environment actions if trustLevel < 4\n")
	builder.WriteString("   - High-risk actions (delete, deploy, modify) regardless of trust level\n")
	builder.WriteString("   - Actions outside business hours\n")
	builder.WriteString("   - Actions exceeding rate limits\n")

	builder.WriteString("\nJSON SCHEMA:\n")
	builder.WriteString(contract.SchemaJSON)
	builder.WriteString("\n\nOUTPUT EXAMPLE:\n")
	builder.WriteString(contract.ExampleJSON)
	builder.WriteString("\n\nResponse (JSON only):")
	return builder.String()
}

func (b *Builder) renderSnippet(s decision.ContextSnippet) string {
	line := fmt.Sprintf("  [%s] %s", s.ID, Excerpt(s.Text, b.maxSnippetChars))
	if s.Score != nil {
		line += fmt.Sprintf(" (score %s)", strconv.FormatFloat(*s.Score, 'f', -1, 64))
	}
	return line
}

// Excerpt normalizes text to NFC, collapses line breaks and cuts it to at
// most max runes, marking cut text with "...".
func Excerpt(text string, max int) string {
	text = norm.NFC.String(text)
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}

func renderSignals(signals []decision.TrustSignal) string {
	if len(signals) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(signals))
	for _, s := range signals {
		parts = append(parts, fmt.Sprintf("%s:%d", s.Source, s.Score))
	}
	return strings.Join(parts, ", ")
}

func renderMetadata(meta map[string]any) string {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Sprintf("%d entries (unrenderable)", len(meta))
	}
	return string(data)
}

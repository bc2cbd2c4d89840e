package composer

import (
	"sort"
	"strings"
	"text/template"

	"github.com/kalambet/chatbridge/internal/retrieval"
)

// NoContext replaces the context section when nothing was retrieved.
const NoContext = "No additional context available"

// Persona holds the bot fields rendered into the system prompt.
type Persona struct {
	BotName     string
	CompanyName string
	Domain      string
	Industry    string
	Behavior    string
}

var systemTemplate = template.Must(template.New("system").Parse(`**Company Identity**
You are {{if .BotName}}{{.BotName}}, {{end}}an AI representative of {{.CompanyName}}, operating in the {{.Industry}} industry with a focus on {{.Domain}}.

**Core Behavior Guidelines**
1. Adhere strictly to this persona: {{.Behavior}}
2. Maintain professional communication aligned with {{.Industry}} standards
3. Specialize in {{.Domain}}-related knowledge while acknowledging other areas
4. Adapt tone to match user's communication style while staying professional
5. If unsure about information, offer to follow up rather than speculate

**Interaction Protocol**
- Begin interactions with: "Welcome to {{.CompanyName}}! How can I assist you today?"
- Format responses using clear, concise paragraphs with industry-appropriate terminology
- Escalate complex requests through proper channels when necessary
- Maintain {{.Industry}}-compliant confidentiality standards

**Domain-Specific Adaptation**
Incorporate common {{.Industry}} practices and {{.Domain}} operational knowledge naturally into responses without explicit mention.

**Boundary Clause**
If asked about topics outside {{.Domain}} or {{.Industry}}, respond: "I specialize in {{.Domain}} for {{.CompanyName}}. For other inquiries, please visit our website or contact support."
`))

// Build renders the system prompt for a persona followed by the retrieved
// context. All sections are present whether or not context is empty.
func Build(p Persona, contexts []string) string {
	var sb strings.Builder
	// Persona fields are plain strings, execution cannot fail.
	_ = systemTemplate.Execute(&sb, p)

	sb.WriteString("\n\nRelevant Context:\n")
	if len(contexts) == 0 {
		sb.WriteString(NoContext)
	} else {
		sb.WriteString(strings.Join(contexts, "\n"))
	}
	return sb.String()
}

// Composer builds system prompts, optionally keeping injected context under
// a token budget.
type Composer struct {
	MaxContextTokens int // 0 means unlimited
}

// New creates a Composer with the given token budget for injected context.
// If maxContextTokens <= 0, every retrieved chunk is kept.
func New(maxContextTokens int) *Composer {
	return &Composer{MaxContextTokens: max(maxContextTokens, 0)}
}

// Compose renders the prompt for p with as many chunks as fit the budget.
// When the budget is exceeded the lowest-scoring chunks are dropped first;
// the survivors keep their retrieval order.
func (c *Composer) Compose(p Persona, chunks []retrieval.ContextChunk) string {
	return Build(p, retrieval.Texts(c.Select(chunks)))
}

// Select returns the chunks that fit the budget, in their original order.
func (c *Composer) Select(chunks []retrieval.ContextChunk) []retrieval.ContextChunk {
	if c.MaxContextTokens <= 0 {
		return chunks
	}
	total := 0
	for _, ch := range chunks {
		total += EstimateTokens(ch.Text)
	}
	if total <= c.MaxContextTokens {
		return chunks
	}

	// Rank by score, descending; stable so equal scores keep retrieval order.
	order := make([]int, len(chunks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return chunks[order[a]].Score > chunks[order[b]].Score
	})

	keep := make([]bool, len(chunks))
	remaining := c.MaxContextTokens
	for _, i := range order {
		tokens := EstimateTokens(chunks[i].Text)
		if tokens > remaining {
			continue
		}
		keep[i] = true
		remaining -= tokens
	}

	out := make([]retrieval.ContextChunk, 0, len(chunks))
	for i, ch := range chunks {
		if keep[i] {
			out = append(out, ch)
		}
	}
	return out
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

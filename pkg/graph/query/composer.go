package query

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/athapong/docugraph/pkg/graph"
	"github.com/pkoukk/tiktoken-go"
	openai "github.com/sashabaranov/go-openai"
)

// Prompt budget for the facts section; matched elements beyond it are dropped
// lowest-confidence first.
const maxFactTokens = 2000

const composePrompt = `You answer questions about a single document using only the graph facts provided.
Cite the facts you use verbatim. If the facts do not answer the question, say so.
Do not use any knowledge beyond the provided facts.`

// LLMComposer phrases answers with a chat model, constrained to the matched
// graph facts. The fact list is token-bounded before it reaches the prompt.
type LLMComposer struct {
	Client *openai.Client
	Model  string
}

// Compose asks the model to answer from the matched elements only
func (c *LLMComposer) Compose(ctx context.Context, question string, nodes []graph.Node, edges []graph.Edge) (string, error) {
	if c.Client == nil {
		return "", fmt.Errorf("no language model client configured")
	}

	model := c.Model
	if model == "" {
		model = openai.GPT4oMini
	}

	facts := boundedFacts(model, nodes, edges)
	if facts == "" {
		return "", fmt.Errorf("no facts to compose from")
	}

	resp, err := c.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: composePrompt},
			{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf("Facts:\n%s\nQuestion: %s", facts, question)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("composition request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("composition returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// boundedFacts renders one fact line per element, highest confidence first,
// stopping at the token budget.
func boundedFacts(model string, nodes []graph.Node, edges []graph.Edge) string {
	encoder, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoder, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			encoder = nil
		}
	}

	nodeText := make(map[string]string, len(nodes))
	for _, node := range nodes {
		nodeText[node.ID] = node.Text
	}

	type fact struct {
		line       string
		confidence float64
	}
	facts := make([]fact, 0, len(nodes)+len(edges))
	for _, edge := range edges {
		source, srcOK := nodeText[edge.SourceID]
		target, tgtOK := nodeText[edge.TargetID]
		if !srcOK || !tgtOK {
			continue
		}
		facts = append(facts, fact{
			line:       fmt.Sprintf("- %s %s %s (confidence %.2f)", source, phraseRelation(edge.Type), target, edge.Confidence),
			confidence: edge.Confidence,
		})
	}
	for _, node := range nodes {
		facts = append(facts, fact{
			line:       fmt.Sprintf("- %s is a %s (confidence %.2f)", node.Text, node.Type, node.Confidence),
			confidence: node.Confidence,
		})
	}

	sort.SliceStable(facts, func(i, j int) bool { return facts[i].confidence > facts[j].confidence })

	var b strings.Builder
	used := 0
	for _, f := range facts {
		cost := len(f.line) / 4
		if encoder != nil {
			cost = len(encoder.Encode(f.line, nil, nil))
		}
		if used+cost > maxFactTokens {
			break
		}
		b.WriteString(f.line)
		b.WriteString("\n")
		used += cost
	}
	return b.String()
}

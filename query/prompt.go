package query

import (
	"fmt"
	"strings"

	"github.com/fabfab/juris-guard/index"
	"github.com/fabfab/juris-guard/llm"
)

func buildMessages(question string, admitted []index.Hit) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt()},
		{Role: llm.RoleUser, Content: formatUserPrompt(question, buildContextPrompt(admitted))},
	}
}

func buildContextPrompt(admitted []index.Hit) string {
	var sb strings.Builder
	for i, hit := range admitted {
		sb.WriteString(fmt.Sprintf("Source %d: %s (chunk %d)\n", i+1, hit.Chunk.Source, hit.Chunk.Index))
		sb.WriteString(strings.TrimSpace(hit.Chunk.Text))
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func systemPrompt() string {
	return "You are Juris, a legal document assistant. Answer only from the supplied context. " +
		"Quote figures, dates and party names exactly as they appear. If the context does not contain the answer, say so plainly. " +
		"Never speculate about material that is not in the context."
}

func formatUserPrompt(question, context string) string {
	var sb strings.Builder
	sb.WriteString("Context:\n")
	sb.WriteString(context)
	sb.WriteString("Question:\n")
	sb.WriteString(question)
	sb.WriteString("\nAnswer concisely and cite the Source numbers you used.")
	return sb.String()
}

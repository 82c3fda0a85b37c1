package responder

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sekia-ai/mailwatch/internal/ai"
)

const researchSystemPrompt = `You are a research specialist. Given an email, identify the topic or topics it asks about and write a concise, factual research report on each. Note any uncertainty plainly.`

const writeSystemPrompt = `You are a polite and helpful administrative assistant. You turn research findings into a friendly, informative email reply. Reply with the email body only: no subject line, no headers.`

// Email is the part of a received message the generator works from.
type Email struct {
	Subject string
	Body    string
	From    string
}

// ResponseGenerator drafts a reply to an email.
type ResponseGenerator interface {
	GenerateReply(ctx context.Context, email Email) (string, error)
}

// LLMGenerator drafts replies in two steps: a research report on the
// email's topics, then a reply written from that report.
type LLMGenerator struct {
	client    ai.LLMClient
	signature string
	logger    zerolog.Logger
}

// NewLLMGenerator creates a generator. signature, if set, is appended to
// every reply.
func NewLLMGenerator(client ai.LLMClient, signature string, logger zerolog.Logger) *LLMGenerator {
	return &LLMGenerator{
		client:    client,
		signature: signature,
		logger:    logger.With().Str("component", "generator").Logger(),
	}
}

func (g *LLMGenerator) GenerateReply(ctx context.Context, email Email) (string, error) {
	researchPrompt := fmt.Sprintf("From: %s\nSubject: %s\n\n%s\n\nWrite the research report.",
		email.From, email.Subject, email.Body)

	report, err := g.client.Complete(ctx, ai.CompleteRequest{
		Prompt:       researchPrompt,
		SystemPrompt: researchSystemPrompt,
		Temperature:  0,
	})
	if err != nil {
		return "", fmt.Errorf("research step: %w", err)
	}
	g.logger.Debug().Int("report_len", len(report)).Msg("research step done")

	reply, err := g.client.Complete(ctx, ai.CompleteRequest{
		Prompt:       fmt.Sprintf("Write the reply to %s using the report above.", email.From),
		History:      []ai.Turn{{Prompt: researchPrompt, Response: report}},
		SystemPrompt: writeSystemPrompt,
		Temperature:  -1,
	})
	if err != nil {
		return "", fmt.Errorf("write step: %w", err)
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", fmt.Errorf("write step: empty reply")
	}
	if g.signature != "" {
		reply += "\n\n" + g.signature
	}
	return reply, nil
}

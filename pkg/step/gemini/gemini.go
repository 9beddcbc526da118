package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/nstogner/sandbox/pkg/domain"
	"github.com/nstogner/sandbox/pkg/step"
)

// Executor implements step.Executor using the Google Gen AI SDK.
type Executor struct {
	client *genai.Client
}

// Verify interface compliance.
var _ step.Executor = (*Executor)(nil)

// New creates a new Gemini executor.
func New(ctx context.Context, apiKey string) (*Executor, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Executor{client: client}, nil
}

// Execute streams a model response for the in-context messages and returns it
// as a single assistant message.
func (e *Executor) Execute(ctx context.Context, req step.Request, onChunk step.ChunkFunc) (*step.Result, error) {
	slog.Debug("Gemini.Execute", "model", req.Model, "sessionID", req.SessionID, "messageCount", len(req.Messages))

	contents := toContents(req.Messages)
	if len(contents) == 0 {
		return nil, fmt.Errorf("no messages in context")
	}

	config := &genai.GenerateContentConfig{}
	if req.Instructions != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.Instructions}},
		}
	}

	var (
		text         strings.Builder
		tokenCount   int
		finishReason string
		modelID      = req.Model
	)
	for resp, err := range e.client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
		if err != nil {
			return nil, err
		}
		if resp == nil {
			continue
		}
		if resp.ModelVersion != "" {
			modelID = resp.ModelVersion
		}
		if resp.UsageMetadata != nil && resp.UsageMetadata.TotalTokenCount > 0 {
			tokenCount = int(resp.UsageMetadata.TotalTokenCount)
		}
		for _, cand := range resp.Candidates {
			if cand.FinishReason != "" {
				finishReason = strings.ToLower(string(cand.FinishReason))
			}
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part.Text == "" || part.Thought {
					continue
				}
				text.WriteString(part.Text)
				if onChunk != nil {
					onChunk(map[string]string{"text": part.Text})
				}
			}
		}
	}

	reply := domain.NewMessage(domain.RoleAssistant, text.String())
	if tokenCount == 0 {
		tokenCount = reply.TokenEstimate
	}
	if finishReason == "" {
		finishReason = "stop"
	}
	return &step.Result{
		Messages:     []domain.StoredMessage{reply},
		TokenCount:   tokenCount,
		FinishReason: finishReason,
		ModelID:      modelID,
	}, nil
}

// toContents converts transcript messages to genai contents. Tool traffic is
// passed as text because tool invocation happens outside this service.
func toContents(msgs []domain.StoredMessage) []*genai.Content {
	var contents []*genai.Content
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		role := "user"
		text := m.Content
		switch m.Type {
		case domain.RoleAssistant:
			role = "model"
		case domain.RoleToolCall:
			role = "model"
			text = "[tool call] " + m.Content
		case domain.RoleToolResult:
			text = "[tool result] " + m.Content
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: text}},
		})
	}
	return contents
}

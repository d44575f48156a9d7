// Package ai is a thin client for an OpenAI-compatible backend: chat
// completions for reply generation and audio transcriptions for voice
// notes. Unlike the storage layers, these calls fail closed — the bot
// layer catches errors and reports "AI unavailable" to the user.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Turn is one role-tagged message in a chat exchange.
type Turn struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Client talks to the configured AI backend.
type Client struct {
	baseURL         string
	apiKey          string
	chatModel       string
	transcribeModel string
	http            *http.Client
	logger          *zap.Logger
}

// New creates a client. baseURL is the API root, e.g.
// "https://api.groq.com/openai/v1".
func New(baseURL, apiKey, chatModel, transcribeModel string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:         baseURL,
		apiKey:          apiKey,
		chatModel:       chatModel,
		transcribeModel: transcribeModel,
		http:            &http.Client{Timeout: 60 * time.Second},
		logger:          logger,
	}
}

type chatRequest struct {
	Model    string `json:"model"`
	Messages []Turn `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Complete sends an ordered list of role-tagged turns, optionally
// prefixed by a fixed instruction turn, and returns the reply text.
func (c *Client) Complete(ctx context.Context, instruction string, turns []Turn) (string, error) {
	msgs := make([]Turn, 0, len(turns)+1)
	if instruction != "" {
		msgs = append(msgs, Turn{Role: "system", Content: instruction})
	}
	msgs = append(msgs, turns...)

	body, err := json.Marshal(chatRequest{Model: c.chatModel, Messages: msgs})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat request failed: status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("chat backend error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat backend returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

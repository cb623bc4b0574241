package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ChatClient is the subset of the go-openai client used for shadow calls.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIClient implements Completer over the OpenAI Chat Completions API.
// Shadow calls do not stream: the comparison runner only needs the final
// text and usage.
type OpenAIClient struct {
	chat ChatClient
}

// NewOpenAI builds the shadow completer.
func NewOpenAI(chat ChatClient) (*OpenAIClient, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	return &OpenAIClient{chat: chat}, nil
}

// NewOpenAIFromAPIKey constructs the completer with the default go-openai
// HTTP client.
func NewOpenAIFromAPIKey(apiKey string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	return NewOpenAI(openai.NewClient(apiKey))
}

// Complete runs one chat completion and returns the full response text.
func (c *OpenAIClient) Complete(ctx context.Context, req *Request) (string, Usage, error) {
	if req.Model == "" {
		return "", Usage{}, errors.New("openai: model identifier is required")
	}
	if req.Prompt == nil || len(req.Prompt.Messages) == 0 {
		return "", Usage{}, errors.New("openai: prompt with messages is required")
	}

	var system strings.Builder
	for _, b := range req.Prompt.System {
		system.WriteString(b.Text)
		system.WriteString("\n\n")
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Prompt.Messages)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: strings.TrimSpace(system.String()),
	})
	for _, m := range req.Prompt.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Text})
	}

	request := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		request.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		request.Temperature = float32(req.Temperature)
	}

	resp, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429 {
			return "", Usage{}, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return "", Usage{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, errors.New("openai: response has no choices")
	}
	usage := Usage{
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}
	return resp.Choices[0].Message.Content, usage, nil
}

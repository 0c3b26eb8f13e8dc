package embedding

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Default OpenAI models
const (
	DefaultOpenAIEmbeddingModel = "text-embedding-3-large"
	DefaultOpenAIChatModel      = "gpt-4o-mini"
)

// OpenAIClient embeds and completes through the OpenAI API or any
// compatible endpoint.
type OpenAIClient struct {
	client         *openai.Client
	embeddingModel string
	chatModel      string
}

// NewOpenAIClient creates a client. baseURL may be empty for api.openai.com.
func NewOpenAIClient(apiKey, baseURL, embeddingModel, chatModel string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if embeddingModel == "" {
		embeddingModel = DefaultOpenAIEmbeddingModel
	}
	if chatModel == "" {
		chatModel = DefaultOpenAIChatModel
	}
	return &OpenAIClient{
		client:         openai.NewClientWithConfig(cfg),
		embeddingModel: embeddingModel,
		chatModel:      chatModel,
	}
}

// Embed generates an embedding for the given text
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}

	emb := make([]float64, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		emb[i] = float64(v)
	}
	return emb, nil
}

// Complete runs a single-turn chat completion constrained to a JSON object
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("empty prompt")
	}
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.chatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no completion choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

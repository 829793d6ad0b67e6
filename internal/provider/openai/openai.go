package openai

import (
	"context"
	"errors"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/vnmchuo/llmgate/internal/provider"
	"github.com/vnmchuo/llmgate/internal/provider/transport"
)

const defaultBaseURL = "https://api.openai.com/v1"

type OpenAIProvider struct {
	client openai.Client
}

// tokenUsage carries the prompt/completion accounting OpenAI reports.
type tokenUsage struct {
	prompt     int
	completion int
	total      int
	cached     int
}

func (u tokenUsage) PromptTokens() int     { return u.prompt }
func (u tokenUsage) CompletionTokens() int { return u.completion }

func (u tokenUsage) TotalTokens() (int, bool) { return u.total, u.total > 0 }

func (u tokenUsage) CachedTokens() (int, bool) { return u.cached, u.cached > 0 }

func New(apiKey string, tc *transport.Client) provider.Provider {
	return newProvider(apiKey, defaultBaseURL, tc)
}

func newProvider(apiKey, baseURL string, tc *transport.Client) *OpenAIProvider {
	if tc == nil {
		tc = transport.New()
	}
	return &OpenAIProvider{
		client: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(baseURL),
			option.WithHTTPClient(tc.HTTPClient()),
			option.WithMaxRetries(tc.MaxRetries()),
		),
	}
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	completion, err := p.client.Chat.Completions.New(ctx, p.mapRequest(req))
	if err != nil {
		return nil, p.mapError(err)
	}

	if len(completion.Choices) == 0 {
		return nil, errors.New("openai api returned no choices")
	}

	resp := &provider.Response{
		ID:       completion.ID,
		Content:  completion.Choices[0].Message.Content,
		Model:    completion.Model,
		Provider: p.Name().String(),
	}
	// Usage stays nil when the body had no usage object.
	if completion.JSON.Usage.Valid() {
		resp.Usage = fromSDK(completion.Usage)
	}
	return resp, nil
}

func (p *OpenAIProvider) mapRequest(req *provider.Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	return params
}

func (p *OpenAIProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	params := p.mapRequest(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)
		defer stream.Close()

		var usage any
		for stream.Next() {
			chunk := stream.Current()
			if chunk.JSON.Usage.Valid() {
				usage = fromSDK(chunk.Usage)
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			select {
			case ch <- &provider.Chunk{Delta: chunk.Choices[0].Delta.Content}:
			case <-ctx.Done():
				return
			}
		}

		final := &provider.Chunk{Done: true, Usage: usage}
		if err := stream.Err(); err != nil {
			final = &provider.Chunk{Err: p.mapError(err)}
		}
		select {
		case ch <- final:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

func (p *OpenAIProvider) mapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &provider.APIError{
			Provider:   p.Name(),
			StatusCode: apiErr.StatusCode,
			Body:       apiErr.Message,
		}
	}
	return err
}

func fromSDK(u openai.CompletionUsage) tokenUsage {
	return tokenUsage{
		prompt:     int(u.PromptTokens),
		completion: int(u.CompletionTokens),
		total:      int(u.TotalTokens),
		cached:     int(u.PromptTokensDetails.CachedTokens),
	}
}

func (p *OpenAIProvider) Name() provider.Identity {
	return provider.OpenAI
}

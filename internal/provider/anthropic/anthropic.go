package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vnmchuo/llmgate/internal/provider"
	"github.com/vnmchuo/llmgate/internal/provider/transport"
)

const apiVersion = "2023-06-01"

type AnthropicProvider struct {
	apiKey  string
	baseURL string
	http    *transport.Client
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID      string         `json:"id"`
	Content []contentBlock `json:"content"`
	Model   string         `json:"model"`
	Usage   tokenUsage     `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type tokenUsage struct {
	Input  int `json:"input_tokens"`
	Output int `json:"output_tokens"`
}

func (u *tokenUsage) InputTokens() int  { return u.Input }
func (u *tokenUsage) OutputTokens() int { return u.Output }

type streamEvent struct {
	Type    string       `json:"type"`
	Delta   streamDelta  `json:"delta,omitempty"`
	Message *streamStart `json:"message,omitempty"`
	Usage   *tokenUsage  `json:"usage,omitempty"`
	Error   *apiError    `json:"error,omitempty"`
}

type streamStart struct {
	Usage tokenUsage `json:"usage"`
}

type streamDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func New(apiKey string, tc *transport.Client) provider.Provider {
	return newProvider(apiKey, "https://api.anthropic.com/v1", tc)
}

func newProvider(apiKey, baseURL string, tc *transport.Client) *AnthropicProvider {
	if tc == nil {
		tc = transport.New()
	}
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    tc,
	}
}

func (p *AnthropicProvider) post(ctx context.Context, body []byte) (*http.Response, error) {
	url := fmt.Sprintf("%s/messages", p.baseURL)
	return p.http.Do(ctx, p.Name(), func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", p.apiKey)
		httpReq.Header.Set("anthropic-version", apiVersion)
		return httpReq, nil
	})
}

func (p *AnthropicProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	resp, err := p.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var msgResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&msgResp); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}

	if len(msgResp.Content) == 0 {
		return nil, errors.New("anthropic api returned no content")
	}

	var sb strings.Builder
	for _, block := range msgResp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return &provider.Response{
		ID:       msgResp.ID,
		Content:  sb.String(),
		Model:    msgResp.Model,
		Provider: p.Name().String(),
		Usage:    &msgResp.Usage,
	}, nil
}

// mapRequest lifts system messages into the top-level system prompt and
// keeps the remaining turns in order.
func (p *AnthropicProvider) mapRequest(req *provider.Request) messagesRequest {
	var system []string
	var messages []message

	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, message{
			Role:    role,
			Content: m.Content,
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	return messagesRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      strings.Join(system, "\n\n"),
		Messages:    messages,
		Temperature: req.Temperature,
		Stream:      req.Stream,
	}
}

func (p *AnthropicProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	msgReq := p.mapRequest(req)
	msgReq.Stream = true
	body, err := json.Marshal(msgReq)
	if err != nil {
		return nil, err
	}

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		send := func(c *provider.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		resp, err := p.post(ctx, body)
		if err != nil {
			send(&provider.Chunk{Err: err})
			return
		}
		defer resp.Body.Close()

		var usage tokenUsage
		var sawUsage bool
		reader := bufio.NewReader(resp.Body)
		var currentEvent string

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					send(&provider.Chunk{Done: true, Usage: usageOrNil(&usage, sawUsage)})
					return
				}
				send(&provider.Chunk{Err: err})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			if strings.HasPrefix(line, "event: ") {
				currentEvent = strings.TrimPrefix(line, "event: ")
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var ev streamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue
			}

			switch currentEvent {
			case "message_start":
				if ev.Message != nil {
					usage.Input = ev.Message.Usage.Input
					usage.Output = ev.Message.Usage.Output
					sawUsage = true
				}
			case "message_delta":
				if ev.Usage != nil {
					usage.Output = ev.Usage.Output
					sawUsage = true
				}
			case "content_block_delta":
				if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
					if !send(&provider.Chunk{Delta: ev.Delta.Text}) {
						return
					}
				}
			case "message_stop":
				send(&provider.Chunk{Done: true, Usage: usageOrNil(&usage, sawUsage)})
				return
			case "error":
				if ev.Error != nil {
					send(&provider.Chunk{Err: fmt.Errorf("anthropic stream error: %s", ev.Error.Message)})
					return
				}
			}
		}
	}()

	return ch, nil
}

func usageOrNil(u *tokenUsage, ok bool) any {
	if !ok {
		return nil
	}
	return u
}

func (p *AnthropicProvider) Name() provider.Identity {
	return provider.Anthropic
}

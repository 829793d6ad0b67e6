package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/vnmchuo/llmgate/internal/provider"
	"github.com/vnmchuo/llmgate/internal/provider/transport"
)

type GeminiProvider struct {
	apiKey  string
	baseURL string
	http    *transport.Client
}

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *usageMetadata    `json:"usageMetadata"`
	ModelVersion  string            `json:"modelVersion"`
	ResponseID    string            `json:"responseId"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}

// usageMetadata accepts both the REST camelCase keys and the snake_case keys
// some proxies emit. Missing counts stay nil.
type usageMetadata struct {
	promptTokenCount     *int
	candidatesTokenCount *int
	totalTokenCount      *int
}

func (u *usageMetadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	pick := func(camel, snake string) *int {
		for _, key := range []string{camel, snake} {
			var v *int
			if msg, ok := raw[key]; ok && json.Unmarshal(msg, &v) == nil && v != nil {
				return v
			}
		}
		return nil
	}
	u.promptTokenCount = pick("promptTokenCount", "prompt_token_count")
	u.candidatesTokenCount = pick("candidatesTokenCount", "candidates_token_count")
	u.totalTokenCount = pick("totalTokenCount", "total_token_count")
	return nil
}

func (u *usageMetadata) PromptTokenCount() (int, bool)     { return deref(u.promptTokenCount) }
func (u *usageMetadata) CandidatesTokenCount() (int, bool) { return deref(u.candidatesTokenCount) }
func (u *usageMetadata) TotalTokenCount() (int, bool)      { return deref(u.totalTokenCount) }

func deref(p *int) (int, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}

func New(apiKey string, tc *transport.Client) provider.Provider {
	return newProvider(apiKey, "https://generativelanguage.googleapis.com", tc)
}

func newProvider(apiKey, baseURL string, tc *transport.Client) *GeminiProvider {
	if tc == nil {
		tc = transport.New()
	}
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    tc,
	}
}

func (p *GeminiProvider) post(ctx context.Context, endpoint string, body []byte) (*http.Response, error) {
	return p.http.Do(ctx, p.Name(), func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", p.apiKey)
		return httpReq, nil
	})
}

func (p *GeminiProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, url.PathEscape(req.Model))
	resp, err := p.post(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(payload, &geminiResp); err != nil {
		return nil, fmt.Errorf("gemini: decode response: %w", err)
	}

	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return nil, errors.New("gemini api returned no candidates")
	}

	var raw map[string]any
	_ = json.Unmarshal(payload, &raw)

	model := geminiResp.ModelVersion
	if model == "" {
		model = req.Model
	}

	out := &provider.Response{
		ID:       geminiResp.ResponseID,
		Content:  joinParts(geminiResp.Candidates[0].Content.Parts),
		Model:    model,
		Provider: p.Name().String(),
		Raw:      raw,
	}
	if geminiResp.UsageMetadata != nil {
		out.Usage = geminiResp.UsageMetadata
	}
	return out, nil
}

func joinParts(parts []geminiPart) string {
	var sb strings.Builder
	for _, part := range parts {
		sb.WriteString(part.Text)
	}
	return sb.String()
}

func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	out := geminiRequest{
		Contents: make([]geminiContent, 0, len(req.Messages)),
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}

	var system []geminiPart
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, geminiPart{Text: m.Content})
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		out.Contents = append(out.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: system}
	}
	return out
}

func (p *GeminiProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", p.baseURL, url.PathEscape(req.Model))

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

		resp, err := p.post(ctx, endpoint, body)
		if err != nil {
			send(&provider.Chunk{Err: err})
			return
		}
		defer resp.Body.Close()

		// Gemini repeats cumulative usage on every event; the last one wins.
		var usage *usageMetadata
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil && !(err == io.EOF && line != "") {
				if err == io.EOF {
					send(&provider.Chunk{Done: true, Usage: usageOrNil(usage)})
					return
				}
				send(&provider.Chunk{Err: err})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			var geminiResp geminiResponse
			if err := json.Unmarshal([]byte(data), &geminiResp); err != nil {
				send(&provider.Chunk{Err: fmt.Errorf("gemini: decode stream event: %w", err)})
				return
			}
			if geminiResp.UsageMetadata != nil {
				usage = geminiResp.UsageMetadata
			}

			if len(geminiResp.Candidates) > 0 {
				text := joinParts(geminiResp.Candidates[0].Content.Parts)
				if text != "" && !send(&provider.Chunk{Delta: text}) {
					return
				}
			}
		}
	}()

	return ch, nil
}

func usageOrNil(u *usageMetadata) any {
	if u == nil {
		return nil
	}
	return u
}

func (p *GeminiProvider) Name() provider.Identity {
	return provider.Gemini
}

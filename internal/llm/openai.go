package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIClient implementa Client contra una API compatible con OpenAI.
type OpenAIClient struct {
	api    *openai.Client
	logger *zap.Logger
}

// NewOpenAIClient construye el cliente apuntando a la API de chat completions.
func NewOpenAIClient(baseURL, apiKey string, logger *zap.Logger) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{
		api:    openai.NewClientWithConfig(cfg),
		logger: logger,
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (CompletionStream, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
		chatReq.ToolChoice = "auto"
	}

	stream, err := c.api.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, mapProviderError(err)
	}

	return &openAIStream{stream: stream}, nil
}

func (c *OpenAIClient) GenerateImage(ctx context.Context, req ImageRequest) (ImageResult, error) {
	resp, err := c.api.CreateImage(ctx, openai.ImageRequest{
		Prompt: req.Prompt,
		Model:  req.Model,
		N:      1,
	})
	if err != nil {
		return ImageResult{}, mapProviderError(err)
	}
	if len(resp.Data) == 0 {
		return ImageResult{}, fmt.Errorf("%w: empty image response", ErrProviderUnavailable)
	}
	return ImageResult{
		URL:     resp.Data[0].URL,
		B64JSON: resp.Data[0].B64JSON,
	}, nil
}

// openAIStream traduce los chunks del wire a Fragments, acumulando los deltas
// de tool calls hasta que el proveedor cierra la solicitud con finish_reason.
type openAIStream struct {
	stream   *openai.ChatCompletionStream
	tool     *ToolCall
	usage    *Usage
	finish   string
	sentDone bool
}

func (s *openAIStream) Recv() (Fragment, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			if s.sentDone {
				return Fragment{}, io.EOF
			}
			s.sentDone = true
			return Fragment{Type: FragmentDone, Usage: s.usage, FinishReason: s.finish}, nil
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Fragment{}, err
			}
			return Fragment{}, mapProviderError(err)
		}

		if resp.Usage != nil {
			s.usage = &Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		for _, tc := range choice.Delta.ToolCalls {
			if s.tool == nil {
				s.tool = &ToolCall{}
			}
			if tc.ID != "" {
				s.tool.ID = tc.ID
			}
			if tc.Function.Name != "" {
				s.tool.Name += tc.Function.Name
			}
			s.tool.Arguments += tc.Function.Arguments
		}
		if choice.FinishReason != "" {
			s.finish = string(choice.FinishReason)
		}

		if choice.FinishReason == openai.FinishReasonToolCalls && s.tool != nil {
			call := *s.tool
			s.tool = nil
			return Fragment{Type: FragmentToolCall, ToolCall: &call}, nil
		}
		if choice.Delta.Content != "" {
			return Fragment{Type: FragmentTextDelta, Delta: choice.Delta.Content}, nil
		}
	}
}

func (s *openAIStream) Close() {
	s.stream.Close()
}

func toOpenAIMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func toOpenAITools(tools []ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func mapProviderError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return errorFromStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return errorFromStatus(reqErr.HTTPStatusCode, err)
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

func errorFromStatus(status int, err error) error {
	switch {
	case status == 429:
		return &RateLimitedError{RetryAfter: retryAfterHint(err), Err: err}
	case status >= 400 && status < 500:
		return fmt.Errorf("%w: %v", ErrProviderInvalidRequest, err)
	default:
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
}

// retryAfterHintPattern extrae la espera sugerida del mensaje de rate limit
// ("Rate limit reached... Please try again in 20s"). El cliente no expone el
// header Retry-After, asi que el mensaje es la unica fuente de la pista.
var retryAfterHintPattern = regexp.MustCompile(`try again in ([0-9]+(?:\.[0-9]+)?(?:ms|s|m|h))`)

func retryAfterHint(err error) time.Duration {
	if err == nil {
		return 0
	}
	match := retryAfterHintPattern.FindStringSubmatch(err.Error())
	if len(match) != 2 {
		return 0
	}
	hint, parseErr := time.ParseDuration(match[1])
	if parseErr != nil || hint < 0 {
		return 0
	}
	return hint
}

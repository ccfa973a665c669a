package capability

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"

	"github.com/rendis/sitegraph/pkg/schema"
)

// DefaultModel is used when a completion names no model.
const DefaultModel = openai.GPT4oMini

// OpenAI implements LLM and ImageGen against an OpenAI-compatible endpoint.
// The API key is resolved on each call so a credential added in Settings
// takes effect without a restart.
type OpenAI struct {
	key      KeyFunc
	baseURL  string
	model    string
	logger   *slog.Logger
	mu       sync.Mutex
	clients  map[string]*openai.Client
	imgModel string
}

// OpenAIOption configures an OpenAI capability.
type OpenAIOption func(*OpenAI)

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(u string) OpenAIOption {
	return func(o *OpenAI) { o.baseURL = strings.TrimSuffix(u, "/") }
}

// WithModel sets the default completion model.
func WithModel(m string) OpenAIOption {
	return func(o *OpenAI) {
		if m != "" {
			o.model = m
		}
	}
}

// WithOpenAILogger sets the logger.
func WithOpenAILogger(l *slog.Logger) OpenAIOption {
	return func(o *OpenAI) { o.logger = l }
}

// NewOpenAI creates the capability.
func NewOpenAI(key KeyFunc, opts ...OpenAIOption) *OpenAI {
	o := &OpenAI{
		key:      key,
		model:    DefaultModel,
		imgModel: openai.CreateImageModelDallE3,
		clients:  make(map[string]*openai.Client),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

func (o *OpenAI) client(ctx context.Context) (*openai.Client, error) {
	key, err := o.key(ctx)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.clients[key]; ok {
		return c, nil
	}
	cfg := openai.DefaultConfig(key)
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	c := openai.NewClientWithConfig(cfg)
	o.clients[key] = c
	return c, nil
}

// Complete implements LLM.
func (o *OpenAI) Complete(ctx context.Context, prompt, model string, opts CompletionOptions) (string, error) {
	c, err := o.client(ctx)
	if err != nil {
		return "", err
	}
	if model == "" {
		model = o.model
	}

	var msgs []openai.ChatCompletionMessage
	if opts.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: opts.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	req := openai.ChatCompletionRequest{Model: model, Messages: msgs}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.JSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	o.logger.DebugContext(ctx, "llm completion", "model", model, "prompt_len", len(prompt))
	resp, err := c.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classify("llm completion", err)
	}
	if len(resp.Choices) == 0 {
		return "", schema.NewError(schema.ErrCodeProvider, "llm completion: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateImage implements ImageGen. Aspect ratios map onto the sizes the
// image model supports; anything unrecognized is square.
func (o *OpenAI) GenerateImage(ctx context.Context, prompt, aspectRatio string) (*Image, error) {
	c, err := o.client(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          o.imgModel,
		N:              1,
		Size:           imageSize(aspectRatio),
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, classify("image generation", err)
	}
	if len(resp.Data) == 0 {
		return nil, schema.NewError(schema.ErrCodeProvider, "image generation: no image returned")
	}
	d := resp.Data[0]
	img := &Image{URL: d.URL, MIME: "image/png", RevisedPrompt: d.RevisedPrompt}
	if d.B64JSON != "" {
		img.Data, err = base64.StdEncoding.DecodeString(d.B64JSON)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeProvider, "image generation: decode: %s", err.Error()).WithCause(err)
		}
	}
	return img, nil
}

func imageSize(aspectRatio string) string {
	switch aspectRatio {
	case "16:9", "3:2", "4:3":
		return openai.CreateImageSize1792x1024
	case "9:16", "2:3", "3:4":
		return openai.CreateImageSize1024x1792
	default:
		return openai.CreateImageSize1024x1024
	}
}

var (
	_ LLM      = (*OpenAI)(nil)
	_ ImageGen = (*OpenAI)(nil)
)

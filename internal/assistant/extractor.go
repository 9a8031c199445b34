// ABOUTME: Stateless summary extraction through a langchaingo chat model
// ABOUTME: Sends the fixed extraction instruction in JSON mode and parses the reply

package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// DefaultExtractionModel matches the model the summaries were tuned against.
const DefaultExtractionModel = "gpt-4-1106-preview"

// ExtractorConfig configures the extraction model.
type ExtractorConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// LangchainExtractor implements Extractor with a one-shot chat completion.
type LangchainExtractor struct {
	llm    llms.Model
	logger *slog.Logger
}

// NewLangchainExtractor builds an OpenAI-backed extractor.
func NewLangchainExtractor(cfg ExtractorConfig, logger *slog.Logger) (*LangchainExtractor, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("extraction api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultExtractionModel
	}

	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating extraction model: %w", err)
	}
	return NewExtractorWithModel(llm, logger), nil
}

// NewExtractorWithModel wraps any langchaingo model.
func NewExtractorWithModel(llm llms.Model, logger *slog.Logger) *LangchainExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LangchainExtractor{llm: llm, logger: logger.With("component", "extractor")}
}

// ExtractSummary asks the model to restate text as the four summary fields.
func (e *LangchainExtractor) ExtractSummary(ctx context.Context, text string) (*Summary, error) {
	resp, err := e.llm.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeAI, ExtractionInstruction),
		llms.TextParts(llms.ChatMessageTypeHuman, text),
	}, llms.WithJSONMode())
	if err != nil {
		return nil, fmt.Errorf("generating summary json: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("generating summary json: empty response")
	}

	summary, err := ParseSummary(resp.Choices[0].Content)
	if err != nil {
		e.logger.Warn("unparseable summary json", "error", err)
		return nil, err
	}
	return summary, nil
}

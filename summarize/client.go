package summarize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrNoModel is returned by Embed in extractive mode: embeddings require a
// real model endpoint. Callers fall back to keyword matching.
var ErrNoModel = errors.New("summarize: no model endpoint configured")

// modelClient is the transport behind the engine slot.
type modelClient interface {
	summarize(ctx context.Context, title, text string) (string, error)
	embed(ctx context.Context, texts []string) ([][]float32, error)
}

const systemPrompt = "Ты редактор новостной ленты. Сожми новость в 2–3 предложения: " +
	"только факты, без вступлений и оценок. Отвечай на русском."

// openaiModel talks to any OpenAI-compatible runtime (llama.cpp server,
// vLLM, Ollama) through go-openai.
type openaiModel struct {
	client *openai.Client
	model  string
}

func newOpenAIModel(cfg Config) *openaiModel {
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &openaiModel{
		client: openai.NewClientWithConfig(oc),
		model:  cfg.Model,
	}
}

func (m *openaiModel) summarize(ctx context.Context, title, text string) (string, error) {
	seed := 0
	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: m.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: title + "\n\n" + text},
		},
		// go-openai omits a zero temperature from the request body; the
		// smallest non-zero float still selects greedy decoding.
		Temperature: math.SmallestNonzeroFloat32,
		Seed:        &seed,
	})
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in completion", ErrInference)
	}
	return resp.Choices[0].Message.Content, nil
}

func (m *openaiModel) embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := m.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(m.model),
		Input: texts,
	})
	if err != nil {
		return nil, classify(err)
	}
	// OpenAI-compatible servers may reorder data; reassemble by index.
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", ErrInference, d.Index)
		}
		out[d.Index] = d.Embedding
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("%w: missing embedding for input %d", ErrInference, i)
		}
	}
	return out, nil
}

// classify maps transport errors onto the engine's failure taxonomy:
// capacity problems are retryable, per-document rejections are not.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500 {
			return fmt.Errorf("%w: %v", ErrExhausted, err)
		}
		return fmt.Errorf("%w: %v", ErrInference, err)
	}
	// Timeouts, cancellation, connection refusals: transient contention
	// for the shared runtime.
	return fmt.Errorf("%w: %v", ErrExhausted, err)
}

// extractiveClient is the model-free fallback: the summary is the leading
// sentences of the document, the same ones every time.
type extractiveClient struct {
	sentences int
}

func (c *extractiveClient) summarize(_ context.Context, _ string, text string) (string, error) {
	return LeadingSentences(text, c.sentences), nil
}

func (c *extractiveClient) embed(_ context.Context, _ []string) ([][]float32, error) {
	return nil, ErrNoModel
}

// LeadingSentences returns the first n sentences of text. Sentence breaks
// are terminator runes (.!?…) followed by whitespace.
func LeadingSentences(text string, n int) string {
	text = strings.TrimSpace(text)
	if text == "" || n <= 0 {
		return ""
	}
	var (
		count int
		end   = len(text)
		runes = []rune(text)
	)
	for i := 0; i < len(runes)-1; i++ {
		if isTerminator(runes[i]) && isSpace(runes[i+1]) {
			count++
			if count == n {
				end = len(string(runes[:i+1]))
				break
			}
		}
	}
	return strings.TrimSpace(text[:end])
}

func isTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '…'
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r'
}

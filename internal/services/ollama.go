package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"slices"

	"github.com/ollama/ollama/api"
	"github.com/purposechat/purposechat/internal/models"
)

// Ollama provides an implementation of the LLM interface for interacting with
// Ollama's language models. It manages connections to an Ollama server
// instance and handles streaming chat completions.
type Ollama struct {
	host  string
	model string

	client *api.Client
}

// NewOllama creates a new Ollama instance with the specified host URL and
// model name. If the provided host URL is invalid, the function will panic.
func NewOllama(host, model string) Ollama {
	u, err := url.Parse(host)
	if err != nil {
		panic(err)
	}

	return Ollama{
		host:   host,
		model:  model,
		client: api.NewClient(u, &http.Client{}),
	}
}

func ollamaMessages(systemPrompt string, turns []models.Turn) []api.Message {
	msgs := make([]api.Message, len(turns))
	for i, turn := range turns {
		msgs[i] = api.Message{
			Role:    string(turn.Role),
			Content: turn.Content,
		}
	}
	if systemPrompt != "" {
		msgs = slices.Insert(msgs, 0, api.Message{
			Role:    "system",
			Content: systemPrompt,
		})
	}
	return msgs
}

// Chat streams a completion for the given turns, yielding content fragments
// incrementally for real-time processing of model outputs.
func (o Ollama) Chat(ctx context.Context, systemPrompt string, turns []models.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: ollamaMessages(systemPrompt, turns),
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if !yield(res.Message.Content, nil) {
				cancel()
			}
			return nil
		}); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
		}
	}
}

// Complete returns a single non-streamed completion for the given turns.
func (o Ollama) Complete(ctx context.Context, systemPrompt string, turns []models.Turn) (string, error) {
	f := false
	req := api.ChatRequest{
		Model:    o.model,
		Messages: ollamaMessages(systemPrompt, turns),
		Stream:   &f,
	}

	var content string
	if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
		content = res.Message.Content
		return nil
	}); err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}

	return content, nil
}

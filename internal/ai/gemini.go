package ai

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"google.golang.org/genai"
)

// Gemini streams completions from the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) GenerateStream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, genai.Text(prompt), nil) {
			if err != nil {
				yield("", err)
				return
			}
			if !yield(resp.Text(), nil) {
				return
			}
		}
	}
}

// ErrUnavailable is reported by Unavailable for every request.
var ErrUnavailable = errors.New("no generation backend configured")

// Unavailable is the backend used when no API key is configured.
type Unavailable struct{}

func (Unavailable) GenerateStream(context.Context, string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", ErrUnavailable)
	}
}

// Package openai adapts the OpenAI Chat Completions API (via
// github.com/sashabaranov/go-openai) to the engine's provider contract.
// Responses are buffered and replayed as a finite event stream; the
// engine's cancellation semantics still apply through the request
// context.
package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/alphredhq/alphred/internal/provider"
)

// DefaultName is the provider key nodes use to select this adapter.
const DefaultName = "codex"

// ChatClient is the subset of the go-openai client the adapter needs.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request goopenai.ChatCompletionRequest) (
		goopenai.ChatCompletionResponse, error)
}

type Options struct {
	Client       ChatClient
	Name         string
	DefaultModel string
}

type Adapter struct {
	chat         ChatClient
	name         string
	defaultModel string
}

var _ provider.Provider = (*Adapter)(nil)

func New(opts Options) (*Adapter, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	name := opts.Name
	if name == "" {
		name = DefaultName
	}
	return &Adapter{chat: opts.Client, name: name, defaultModel: opts.DefaultModel}, nil
}

func NewFromAPIKey(apiKey, defaultModel string) (*Adapter, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: goopenai.NewClient(apiKey), DefaultModel: defaultModel})
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Run(ctx context.Context, prompt string, opts provider.RunOptions) (provider.Stream, error) {
	model := opts.Model
	if model == "" {
		model = a.defaultModel
	}
	if model == "" {
		return nil, errors.New("openai: no model configured")
	}

	resp, err := a.chat.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	return provider.NewSliceStream(translate(resp)), nil
}

func translate(resp goopenai.ChatCompletionResponse) []provider.Event {
	now := time.Now().UTC()
	events := []provider.Event{{
		Type:      provider.EventSystem,
		Timestamp: now,
		Metadata:  map[string]any{"model": resp.Model, "responseId": resp.ID},
	}}

	var content string
	for _, choice := range resp.Choices {
		msg := choice.Message
		if msg.Content != "" {
			content = msg.Content
			events = append(events, provider.Event{
				Type:      provider.EventAssistant,
				Content:   msg.Content,
				Timestamp: now,
			})
		}
		for _, call := range msg.ToolCalls {
			events = append(events, provider.Event{
				Type:      provider.EventToolUse,
				Content:   call.Function.Arguments,
				Timestamp: now,
				Metadata:  map[string]any{"tool": call.Function.Name, "toolCallId": call.ID},
			})
		}
	}

	events = append(events, provider.Event{
		Type:      provider.EventUsage,
		Timestamp: now,
		Metadata: map[string]any{
			"usage": map[string]any{
				"inputTokens":  resp.Usage.PromptTokens,
				"outputTokens": resp.Usage.CompletionTokens,
				"totalTokens":  resp.Usage.TotalTokens,
			},
		},
	})

	result := provider.Event{
		Type:      provider.EventResult,
		Content:   content,
		Timestamp: now,
		Metadata:  map[string]any{"totalTokens": resp.Usage.TotalTokens},
	}
	if d, ok := provider.ExtractDecision(content); ok {
		result.Metadata[provider.MetadataRoutingDecision] = d
	}
	return append(events, result)
}

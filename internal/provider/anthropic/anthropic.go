// Package anthropic adapts the Anthropic Messages API (via
// github.com/anthropics/anthropic-sdk-go) to the engine's provider
// contract. Responses are buffered and replayed as a finite event
// stream.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/alphredhq/alphred/internal/provider"
)

// DefaultName is the provider key nodes use to select this adapter.
const DefaultName = "claude"

// defaultMaxTokens caps completions when the caller does not configure
// a budget of its own.
const defaultMaxTokens = 8192

// MessagesClient is the subset of the SDK client the adapter needs.
// *sdk.MessageService satisfies it; tests pass a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

type Options struct {
	Client       MessagesClient
	Name         string
	DefaultModel string
	MaxTokens    int64
}

type Adapter struct {
	msg          MessagesClient
	name         string
	defaultModel string
	maxTokens    int64
}

var _ provider.Provider = (*Adapter)(nil)

func New(opts Options) (*Adapter, error) {
	if opts.Client == nil {
		return nil, errors.New("anthropic client is required")
	}
	name := opts.Name
	if name == "" {
		name = DefaultName
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Adapter{msg: opts.Client, name: name, defaultModel: opts.DefaultModel, maxTokens: maxTokens}, nil
}

func NewFromAPIKey(apiKey, defaultModel string) (*Adapter, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &client.Messages, DefaultModel: defaultModel})
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Run(ctx context.Context, prompt string, opts provider.RunOptions) (provider.Stream, error) {
	model := opts.Model
	if model == "" {
		model = a.defaultModel
	}
	if model == "" {
		return nil, errors.New("anthropic: no model configured")
	}

	msg, err := a.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: a.maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return provider.NewSliceStream(translate(msg)), nil
}

func translate(msg *sdk.Message) []provider.Event {
	now := time.Now().UTC()
	events := []provider.Event{{
		Type:      provider.EventSystem,
		Timestamp: now,
		Metadata:  map[string]any{"model": string(msg.Model), "responseId": msg.ID},
	}}

	var content string
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			content += block.Text
			events = append(events, provider.Event{
				Type:      provider.EventAssistant,
				Content:   block.Text,
				Timestamp: now,
			})
		case "tool_use":
			events = append(events, provider.Event{
				Type:      provider.EventToolUse,
				Content:   string(block.Input),
				Timestamp: now,
				Metadata:  map[string]any{"tool": block.Name, "toolCallId": block.ID},
			})
		}
	}

	total := msg.Usage.InputTokens + msg.Usage.OutputTokens
	events = append(events, provider.Event{
		Type:      provider.EventUsage,
		Timestamp: now,
		Metadata: map[string]any{
			"usage": map[string]any{
				"inputTokens":  msg.Usage.InputTokens,
				"outputTokens": msg.Usage.OutputTokens,
				"totalTokens":  total,
			},
		},
	})

	result := provider.Event{
		Type:      provider.EventResult,
		Content:   content,
		Timestamp: now,
		Metadata:  map[string]any{"totalTokens": total, "stopReason": string(msg.StopReason)},
	}
	if d, ok := provider.ExtractDecision(content); ok {
		result.Metadata[provider.MetadataRoutingDecision] = d
	}
	return append(events, result)
}

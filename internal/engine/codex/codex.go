// Package codex implements the engine boundary on top of the OpenAI API.
// Each thread keeps its conversation history in memory so a resumed run
// replays full context; one run maps to one completion turn whose reply is
// delivered as an agent message item.
package codex

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/Tafka-4/codex-agent-management/internal/engine"
)

// ChatClient is the slice of the OpenAI client the engine uses. Declared as
// an interface for testability.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

const systemPrompt = "You are an autonomous security researcher working on a CTF challenge. " +
	"Work step by step and follow the output format the task asks for exactly."

// Engine is the production engine.Engine implementation.
type Engine struct {
	client ChatClient
	model  string

	mu      sync.Mutex
	threads map[string][]openai.ChatCompletionMessage
}

// New creates an engine using the given API key and model. An optional
// baseURL points the client at a compatible endpoint.
func New(apiKey, model, baseURL string) *Engine {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return NewWithClient(openai.NewClientWithConfig(cfg), model)
}

// NewWithClient creates an engine over a custom chat client (useful for
// testing).
func NewWithClient(client ChatClient, model string) *Engine {
	return &Engine{
		client:  client,
		model:   model,
		threads: make(map[string][]openai.ChatCompletionMessage),
	}
}

// StartThread begins a new conversation thread and runs one turn against it.
func (e *Engine) StartThread(ctx context.Context, opts engine.ThreadOptions) (engine.Stream, error) {
	threadID := uuid.New().String()

	e.mu.Lock()
	e.threads[threadID] = []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
	}
	e.mu.Unlock()

	return e.runTurn(ctx, threadID, opts.Prompt, true), nil
}

// ResumeThread continues an established thread with a follow-up prompt.
func (e *Engine) ResumeThread(ctx context.Context, threadID string, opts engine.ThreadOptions) (engine.Stream, error) {
	e.mu.Lock()
	_, ok := e.threads[threadID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("codex: unknown thread %s", threadID)
	}
	return e.runTurn(ctx, threadID, opts.Prompt, false), nil
}

// runTurn appends the prompt to the thread history, issues one completion and
// feeds the resulting events to the returned stream.
func (e *Engine) runTurn(ctx context.Context, threadID, prompt string, fresh bool) engine.Stream {
	ch := make(chan engine.Event, 8)
	st := &stream{ch: ch}

	go func() {
		defer close(ch)

		emit := func(ev engine.Event) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if fresh {
			if !emit(engine.Event{Kind: engine.KindThreadStarted, ThreadID: threadID}) {
				return
			}
		}
		if !emit(engine.Event{Kind: engine.KindTurnStarted}) {
			return
		}

		e.mu.Lock()
		history := append(e.threads[threadID], openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: prompt,
		})
		e.threads[threadID] = history
		messages := make([]openai.ChatCompletionMessage, len(history))
		copy(messages, history)
		e.mu.Unlock()

		resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    e.model,
			Messages: messages,
		})
		if err != nil {
			emit(engine.Event{Kind: engine.KindTurnFailed, Message: err.Error()})
			return
		}
		if len(resp.Choices) == 0 {
			emit(engine.Event{Kind: engine.KindTurnFailed, Message: "no choices in completion response"})
			return
		}

		reply := resp.Choices[0].Message.Content

		e.mu.Lock()
		e.threads[threadID] = append(e.threads[threadID], openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: reply,
		})
		e.mu.Unlock()

		if !emit(engine.Event{
			Kind: engine.KindItemCompleted,
			Item: &engine.ThreadItem{
				ID:   resp.ID,
				Type: engine.ItemAgentMessage,
				Text: reply,
			},
		}) {
			return
		}

		emit(engine.Event{
			Kind: engine.KindTurnCompleted,
			Usage: &engine.Usage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			},
		})
	}()

	return st
}

type stream struct {
	ch chan engine.Event
}

func (s *stream) Events() <-chan engine.Event { return s.ch }

func (s *stream) Close() error { return nil }

package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StaticProvider answers every request with a canned reply. It is used in
// development and in tests; token counts are word counts.
type StaticProvider struct {
	name  string
	reply string
	// Delay simulates upstream latency and honours ctx cancellation
	Delay time.Duration
	// Err, when set, is returned from every call
	Err error
}

// NewStaticProvider creates a static provider named name
func NewStaticProvider(name, reply string) *StaticProvider {
	if reply == "" {
		reply = "This is a development response."
	}
	return &StaticProvider{name: name, reply: reply}
}

// Name returns the provider name
func (p *StaticProvider) Name() string { return p.name }

// Available always reports true
func (p *StaticProvider) Available(ctx context.Context) bool { return true }

// Complete returns the canned reply
func (p *StaticProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	if p.Delay > 0 {
		timer := time.NewTimer(p.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, NewProviderError(p.name, "timeout", "provider call cancelled", 0, true, ctx.Err())
		}
	}
	if p.Err != nil {
		return nil, p.Err
	}

	content := p.reply
	if req.Kind == "ocr" && req.Document != "" {
		content = fmt.Sprintf("%s (%d words extracted)", p.reply, countWords(req.Document))
	}

	prompt := countWords(req.Document)
	for _, m := range req.Messages {
		prompt += countWords(m.Content)
	}
	completion := countWords(content)

	model := req.Model
	if model == "" {
		model = p.name
	}

	return &Response{
		ID:           uuid.NewString(),
		Model:        model,
		Provider:     p.name,
		Content:      content,
		FinishReason: "stop",
		Usage: Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
		Latency: time.Since(start),
	}, nil
}

func countWords(s string) int {
	return len(strings.Fields(s))
}

// Package aihelper provides the narrow on-device summarization stage
// named but left unspecified as the "AI" step of the boot sequence: a
// single Summarize call that the log-capture helper uses to attach a
// short summary to an otherwise opaque batch before it ships to the
// cloud. It is gated entirely by environment variables so a device with
// no key configured, or with the feature turned off, pays no cost for
// carrying it.
package aihelper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/embedthis/ioto-core/internal/koderr"
)

// Summarizer is the interface cloudhelpers' log capture depends on.
// Keeping it this narrow means a device that disables the AI stage can
// substitute a no-op without cloudhelpers knowing the difference.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// Enabled reports whether the AI stage should be wired into boot at all:
// AI_SHOW must be non-empty and an API key must be present in the
// environment. Both env var names are carried over unchanged from the
// device's external-interface contract.
func Enabled() bool {
	if os.Getenv("AI_SHOW") == "" {
		return false
	}
	return os.Getenv("OPENAI_API_KEY") != ""
}

const (
	defaultModel   = anthropic.Model("claude-3-5-haiku-latest")
	maxRetries     = 3
	initialBackoff = time.Second
)

// Client is the concrete Summarizer backed by the Anthropic API. The
// OPENAI_API_KEY environment variable is the device agent's AI on/off
// switch; which SDK answers the call behind Summarize is an implementation
// detail.
type Client struct {
	client         anthropic.Client
	model          anthropic.Model
	maxRetries     int
	initialBackoff time.Duration
}

// New builds a Client using the OPENAI_API_KEY environment variable as
// the Anthropic API credential. Returns an error if the key is absent;
// callers should check Enabled first to decide whether to call New at
// all.
func New() (*Client, error) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil, koderr.New(koderr.BadArgs, "aihelper.New", errors.New("OPENAI_API_KEY not set"))
	}
	return &Client{
		client:         anthropic.NewClient(option.WithAPIKey(key)),
		model:          defaultModel,
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
	}, nil
}

// Summarize asks the model to condense prompt into a short summary,
// retrying with exponential backoff on retryable transport/rate-limit
// errors.
func (c *Client) Summarize(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 512,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := c.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) == 0 {
				return "", koderr.New(koderr.BadData, "aihelper.Summarize", errors.New("empty response"))
			}
			block := message.Content[0]
			if block.Type != "text" {
				return "", koderr.New(koderr.BadData, "aihelper.Summarize", fmt.Errorf("unexpected content type %q", block.Type))
			}
			return block.Text, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			return "", koderr.New(koderr.CantComplete, "aihelper.Summarize", err)
		}
	}
	return "", koderr.New(koderr.CantComplete, "aihelper.Summarize", lastErr)
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

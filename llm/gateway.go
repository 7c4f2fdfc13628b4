package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/avelins/paperscout/observability"
)

// ErrSchema marks output that decoded but failed validation.
var ErrSchema = errors.New("llm: output schema violation")

// ErrNotConfigured is returned when no API key is available; callers fall
// back to the heuristic paths.
var ErrNotConfigured = errors.New("llm: client not configured")

// GatewayConfig controls concurrency and the retry schedule.
type GatewayConfig struct {
	MaxConcurrent int64
	MaxAttempts   int
	BaseDelay     time.Duration
	Factor        float64
}

// DefaultGatewayConfig mirrors the scheduler's expectations: at most five
// concurrent calls, three attempts spaced 5s then 10s apart.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		MaxConcurrent: 5,
		MaxAttempts:   3,
		BaseDelay:     5 * time.Second,
		Factor:        2.0,
	}
}

// Gateway serializes access to the completions endpoint: bounded
// concurrency, retry with exponential backoff, and schema validation of the
// structured output. An optional fallback client is tried on the final
// attempt.
type Gateway struct {
	primary  *Client
	fallback *Client
	cfg      GatewayConfig
	sem      *semaphore.Weighted
}

// NewGateway wires a gateway over the primary and optional fallback client.
func NewGateway(primary, fallback *Client, cfg GatewayConfig) *Gateway {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Gateway{
		primary:  primary,
		fallback: fallback,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

// Configured reports whether the gateway can make calls at all.
func (g *Gateway) Configured() bool {
	return g != nil && g.primary.Configured()
}

// RunJSON calls the model with the agent's system prompt, parses the reply
// as JSON into out, and validates it. Retryable failures (HTTP 429/5xx,
// network errors, parse and schema violations) are attempted up to
// MaxAttempts with exponential backoff; the fallback model, when configured,
// serves the final attempt.
func (g *Gateway) RunJSON(ctx context.Context, agent string, system, user string, out interface{}) error {
	if !g.Configured() {
		return ErrNotConfigured
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)

	delay := g.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		client := g.primary
		if attempt == g.cfg.MaxAttempts && g.fallback.Configured() {
			client = g.fallback
		}

		err := g.runOnce(ctx, client, system, user, out)
		if err == nil {
			observability.LLMCalls.WithLabelValues(agent, "ok").Inc()
			return nil
		}
		lastErr = err
		if !retryable(err) {
			observability.LLMCalls.WithLabelValues(agent, "error").Inc()
			return err
		}
		if attempt == g.cfg.MaxAttempts {
			break
		}

		observability.LLMRetries.Inc()
		log.WithFields(log.Fields{
			"agent":   agent,
			"attempt": attempt,
			"model":   client.Model(),
			"err":     err,
		}).Warn("llm attempt failed, backing off")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = time.Duration(float64(delay) * g.cfg.Factor)
	}
	observability.LLMCalls.WithLabelValues(agent, "error").Inc()
	return fmt.Errorf("llm: %s failed after %d attempts: %w", agent, g.cfg.MaxAttempts, lastErr)
}

// runOnce decodes into a fresh value and copies to out only on success, so
// a failed attempt cannot leak partially decoded fields into the next one.
func (g *Gateway) runOnce(ctx context.Context, client *Client, system, user string, out interface{}) error {
	text, _, err := client.Chat(ctx, system, user)
	if err != nil {
		return err
	}
	cleaned := StripFences(text)
	fresh := reflect.New(reflect.TypeOf(out).Elem())
	if err := json.Unmarshal([]byte(cleaned), fresh.Interface()); err != nil {
		return fmt.Errorf("llm: parse output: %w", err)
	}
	if err := validate.Struct(fresh.Interface()); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	reflect.ValueOf(out).Elem().Set(fresh.Elem())
	return nil
}

// retryable classifies errors for the backoff loop. Everything except a
// non-429 4xx is worth another attempt.
func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return true
}

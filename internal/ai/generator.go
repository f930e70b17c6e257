package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrEmptyCompletion = errors.New("ai: empty completion")

// RetryPolicy bounds retries of timeout-classified failures.
// Attempts counts the first call.
type RetryPolicy struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// CallTimeout bounds each provider call; zero leaves it to ctx.
	CallTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:        3,
		InitialInterval: 10 * time.Second,
		MaxInterval:     60 * time.Second,
		CallTimeout:     240 * time.Second,
	}
}

type Completion struct {
	Text   string
	Model  string
	Prompt string
}

// Generator renders a prompt, calls the provider and retries on timeouts.
type Generator struct {
	provider Provider
	model    string
	policy   RetryPolicy
	logger   zerolog.Logger
}

func NewGenerator(p Provider, policy RetryPolicy) *Generator {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	model := ""
	if n, ok := p.(Named); ok {
		model = n.ModelName()
	}
	return &Generator{provider: p, model: model, policy: policy, logger: log.Logger}
}

func (g *Generator) WithLogger(l zerolog.Logger) *Generator {
	g.logger = l
	return g
}

func (g *Generator) Model() string { return g.model }

// Generate renders prompt with vars and returns the trimmed completion.
// Non-timeout errors are returned after the first attempt.
func (g *Generator) Generate(ctx context.Context, prompt *Prompt, vars any) (Completion, error) {
	rendered, err := prompt.Render(vars)
	if err != nil {
		return Completion{}, err
	}
	msgs := []Message{{Role: RoleUser, Content: rendered}}

	var text string
	attempt := 0
	op := func() error {
		attempt++
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if g.policy.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, g.policy.CallTimeout)
		}
		defer cancel()

		out, err := g.provider.Chat(callCtx, msgs)
		if err != nil {
			if ctx.Err() == nil && IsTimeout(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		text = strings.TrimSpace(out)
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = g.policy.InitialInterval
	eb.MaxInterval = g.policy.MaxInterval
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(g.policy.Attempts-1)), ctx)

	err = backoff.RetryNotify(op, bo, func(err error, wait time.Duration) {
		g.logger.Warn().Err(err).
			Str("prompt", prompt.Name).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("generation timed out, retrying")
	})
	if err != nil {
		return Completion{}, fmt.Errorf("generate %s: %w", prompt.Name, err)
	}
	if text == "" {
		return Completion{}, fmt.Errorf("generate %s: %w", prompt.Name, ErrEmptyCompletion)
	}
	return Completion{Text: text, Model: g.model, Prompt: rendered}, nil
}

// IsTimeout reports whether err is a timeout worth retrying.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

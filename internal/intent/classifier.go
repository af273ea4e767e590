// Package intent decides what kind of request an inbound message is.
package intent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"welfare-agent/internal/domain"
)

const defaultTimeout = 15 * time.Second

// Generator is the single model call used by Tier 2.
type Generator interface {
	Generate(ctx context.Context, req domain.GenerateRequest) (string, error)
}

// Recorder observes classification outcomes. Tier is 1, 2 or 0 when no
// tier ran (unauthenticated fallback).
type Recorder interface {
	ObserveIntent(intent domain.Intent, tier int)
}

type Option func(*Classifier)

// WithTimeout bounds the Tier 2 model call.
func WithTimeout(d time.Duration) Option {
	return func(c *Classifier) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(c *Classifier) { c.recorder = r }
}

// Classifier runs the two-tier intent decision.
type Classifier struct {
	keywords *Keywords
	gen      Generator
	timeout  time.Duration
	logger   *slog.Logger
	recorder Recorder
}

// NewClassifier builds a Classifier. gen may be nil, in which case Tier 2 is
// skipped and misses fall through to GENERAL.
func NewClassifier(keywords *Keywords, gen Generator, opts ...Option) (*Classifier, error) {
	if keywords == nil {
		return nil, errors.New("intent: keywords must not be nil")
	}
	c := &Classifier{
		keywords: keywords,
		gen:      gen,
		timeout:  defaultTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Classify returns the intent for message. It never fails: any Tier 2
// problem degrades to GENERAL. Personalised intents for unauthenticated
// callers come back as LOGIN_REQUIRED.
func (c *Classifier) Classify(ctx context.Context, message string, authenticated bool) domain.Intent {
	intent, tier := c.classify(ctx, message, authenticated)
	if intent.Personalised() && !authenticated {
		intent = domain.IntentLoginRequired
	}
	if c.recorder != nil {
		c.recorder.ObserveIntent(intent, tier)
	}
	return intent
}

func (c *Classifier) classify(ctx context.Context, message string, authenticated bool) (domain.Intent, int) {
	if intent, ok := c.keywords.Match(Normalize(message)); ok {
		return intent, 1
	}
	if !authenticated || c.gen == nil {
		return domain.IntentGeneral, 0
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.gen.Generate(ctx, domain.GenerateRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: classificationPrompt},
			{Role: domain.RoleUser, Content: message},
		},
		Sampling: domain.Sampling{Temperature: 0, TopK: 1, MaxTokens: 8},
	})
	if err != nil {
		c.logger.WarnContext(ctx, "intent classification call failed", "err", err)
		return domain.IntentGeneral, 2
	}
	return ParseLabel(raw), 2
}

// ParseLabel maps a model reply to an intent. Only an exact label (ignoring
// case, surrounding punctuation and trailing text on later lines) counts.
func ParseLabel(raw string) domain.Intent {
	line, _, _ := strings.Cut(strings.TrimSpace(raw), "\n")
	label := strings.ToUpper(strings.Trim(strings.TrimSpace(line), " .:\"'`*"))
	switch domain.Intent(label) {
	case domain.IntentECard:
		return domain.IntentECard
	case domain.IntentStatusCheck:
		return domain.IntentStatusCheck
	default:
		return domain.IntentGeneral
	}
}

var classificationPrompt = strings.Join([]string{
	"You route messages for a construction workers' welfare board assistant.",
	"Reply with exactly one label and nothing else:",
	"ECARD - the user wants to view, download or print their labour e-card.",
	"STATUS_CHECK - the user asks about their own registration, renewal or scheme application status.",
	"GENERAL - anything else, including general questions about schemes or eligibility.",
}, "\n")

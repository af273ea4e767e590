package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"welfare-agent/internal/domain"
	"welfare-agent/internal/observability"
	"welfare-agent/internal/stream"
)

const (
	defaultTopK                 = 5
	defaultAnonymousHistory     = 10
	defaultAuthenticatedHistory = 4
	defaultGenerateTimeout      = 120 * time.Second
	defaultStreamTimeout        = 300 * time.Second
	defaultMaxAnswerChars       = 4000
)

type IntentClassifier interface {
	Classify(ctx context.Context, message string, authenticated bool) domain.Intent
}

type Generator interface {
	Generate(ctx context.Context, req domain.GenerateRequest) (string, error)
	GenerateStream(ctx context.Context, req domain.GenerateRequest, fn func(chunk string) error) error
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Index interface {
	Search(ctx context.Context, vector []float32, topK int, minScore float32) ([]domain.Passage, error)
}

type UserContextProvider interface {
	GetOrFetch(ctx context.Context, threadID, userID, token string) (*domain.UserContext, error)
}

// Recorder observes answer outcomes. Outcome is "ok", "sentinel", "timeout"
// or "failed".
type Recorder interface {
	ObserveAnswer(intent domain.Intent, outcome string, elapsed time.Duration)
}

// OrchestratorConfig tunes retrieval, prompting and generation. Zero values
// fall back to defaults, except MinScore where zero disables the threshold.
type OrchestratorConfig struct {
	TopK                 int
	MinScore             float32
	AnonymousHistory     int
	AuthenticatedHistory int
	Sampling             domain.Sampling
	GenerateTimeout      time.Duration
	StreamTimeout        time.Duration
	MaxAnswerChars       int
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.TopK <= 0 {
		c.TopK = defaultTopK
	}
	if c.AnonymousHistory <= 0 {
		c.AnonymousHistory = defaultAnonymousHistory
	}
	if c.AuthenticatedHistory <= 0 {
		c.AuthenticatedHistory = defaultAuthenticatedHistory
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = defaultGenerateTimeout
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = defaultStreamTimeout
	}
	if c.MaxAnswerChars <= 0 {
		c.MaxAnswerChars = defaultMaxAnswerChars
	}
	return c
}

// HistoryLimit is the number of prior turns needed by the larger window.
func (c OrchestratorConfig) HistoryLimit() int {
	c = c.withDefaults()
	return max(c.AnonymousHistory, c.AuthenticatedHistory)
}

// Orchestrator drives one turn: classify, then run exactly one of the
// LOGIN_REQUIRED, ECARD, STATUS_CHECK or GENERAL paths.
type Orchestrator struct {
	classifier IntentClassifier
	gen        Generator
	embedder   Embedder
	index      Index
	users      UserContextProvider
	recorder   Recorder
	cfg        OrchestratorConfig
}

type OrchestratorOption func(*Orchestrator)

func WithAnswerRecorder(r Recorder) OrchestratorOption {
	return func(o *Orchestrator) { o.recorder = r }
}

func NewOrchestrator(classifier IntentClassifier, gen Generator, embedder Embedder, index Index, users UserContextProvider, cfg OrchestratorConfig, opts ...OrchestratorOption) (*Orchestrator, error) {
	if classifier == nil {
		return nil, errors.New("usecase: classifier must not be nil")
	}
	if gen == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	if embedder == nil {
		return nil, errors.New("usecase: embedder must not be nil")
	}
	if index == nil {
		return nil, errors.New("usecase: index must not be nil")
	}
	if users == nil {
		return nil, errors.New("usecase: user context provider must not be nil")
	}
	if cfg.MinScore < 0 || cfg.MinScore > 1 {
		return nil, errors.New("usecase: min score must be within [0,1]")
	}
	o := &Orchestrator{
		classifier: classifier,
		gen:        gen,
		embedder:   embedder,
		index:      index,
		users:      users,
		cfg:        cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Input is one validated inbound message plus the thread's recent history
// in chronological order.
type Input struct {
	ThreadID  string
	UserID    string
	AuthToken string
	Language  string
	Message   string
	History   []domain.Turn
}

// Authenticated is true only when both the user id and the token are present.
func (in Input) Authenticated() bool {
	return in.UserID != "" && in.AuthToken != ""
}

// Plan is the outcome of classification and context gathering: either a
// fixed sentinel answer or a generation request.
type Plan struct {
	Intent   domain.Intent
	Sentinel string
	Request  domain.GenerateRequest
}

// Result is a complete answer.
type Result struct {
	Intent domain.Intent
	Answer string
}

// Answer runs the turn to completion.
func (o *Orchestrator) Answer(ctx context.Context, in Input) (Result, error) {
	start := time.Now()
	plan := o.plan(ctx, in)
	if plan.Sentinel != "" {
		o.observe(plan.Intent, "sentinel", start)
		return Result{Intent: plan.Intent, Answer: plan.Sentinel}, nil
	}

	gctx, cancel := context.WithTimeout(ctx, o.cfg.GenerateTimeout)
	defer cancel()

	answer, err := o.gen.Generate(gctx, plan.Request)
	if err != nil {
		if errors.Is(gctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			o.observe(plan.Intent, "timeout", start)
			return Result{}, newError(ErrorGenerationTimeout, "generation_timeout", err)
		}
		o.observe(plan.Intent, "failed", start)
		return Result{}, newError(ErrorGenerationFailed, "generation_error", err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		o.observe(plan.Intent, "failed", start)
		return Result{}, newError(ErrorGenerationFailed, "empty_answer", nil)
	}
	o.observe(plan.Intent, "ok", start)
	return Result{Intent: plan.Intent, Answer: truncateRunes(answer, o.cfg.MaxAnswerChars)}, nil
}

// Stream runs the turn and returns a live session. Sentinel answers come
// back as a static session so callers handle one shape.
func (o *Orchestrator) Stream(ctx context.Context, in Input) (*stream.Session, Plan) {
	plan := o.plan(ctx, in)
	if plan.Sentinel != "" {
		o.observe(plan.Intent, "sentinel", time.Now())
		return stream.Static(plan.Sentinel), plan
	}
	return stream.Open(ctx, o.gen, plan.Request, stream.Options{
		Timeout:  o.cfg.StreamTimeout,
		MaxChars: o.cfg.MaxAnswerChars,
	}), plan
}

// ObserveStream lets the streaming caller report the terminal outcome.
func (o *Orchestrator) ObserveStream(intent domain.Intent, ev stream.Event, start time.Time) {
	switch {
	case ev.Type == stream.EventDone:
		o.observe(intent, "ok", start)
	case ev.Code == stream.CodeTimeout:
		o.observe(intent, "timeout", start)
	default:
		o.observe(intent, "failed", start)
	}
}

func (o *Orchestrator) plan(ctx context.Context, in Input) Plan {
	authed := in.Authenticated()
	intent := o.classifier.Classify(ctx, in.Message, authed)
	logger := observability.LoggerFromContext(ctx)
	logger.InfoContext(ctx, "message classified", "intent", intent, "authenticated", authed, "language", in.Language)

	switch intent {
	case domain.IntentLoginRequired:
		return Plan{Intent: intent, Sentinel: AnswerLoginRequired}
	case domain.IntentECard:
		return Plan{Intent: intent, Sentinel: AnswerECard}
	case domain.IntentStatusCheck:
		uc := o.userContext(ctx, in)
		return Plan{Intent: intent, Request: o.request(promptContext{
			language:    in.Language,
			userContext: uc,
		}, in)}
	default:
		pc := promptContext{
			language:     in.Language,
			passages:     o.retrieve(ctx, in.Message),
			withPassages: true,
		}
		if authed {
			pc.userContext = o.userContext(ctx, in)
		}
		return Plan{Intent: domain.IntentGeneral, Request: o.request(pc, in)}
	}
}

func (o *Orchestrator) request(pc promptContext, in Input) domain.GenerateRequest {
	return domain.GenerateRequest{
		Messages: buildPromptMessages(pc, in.Message, o.historyWindow(in)),
		Sampling: o.cfg.Sampling,
	}
}

// historyWindow keeps a shorter history when personal data is in the
// prompt, leaving room for it in the model context.
func (o *Orchestrator) historyWindow(in Input) []domain.Turn {
	n := o.cfg.AnonymousHistory
	if in.Authenticated() {
		n = o.cfg.AuthenticatedHistory
	}
	if len(in.History) <= n {
		return in.History
	}
	return in.History[len(in.History)-n:]
}

func (o *Orchestrator) userContext(ctx context.Context, in Input) *domain.UserContext {
	uc, err := o.users.GetOrFetch(ctx, in.ThreadID, in.UserID, in.AuthToken)
	if err != nil {
		observability.LoggerFromContext(ctx).WarnContext(ctx, "user context unavailable", "err", err)
		return &domain.UserContext{
			ThreadID:    in.ThreadID,
			UserID:      in.UserID,
			Unavailable: []string{domain.LookupRegistration, domain.LookupRenewalDate, domain.LookupSchemes},
		}
	}
	return uc
}

// retrieve degrades to no passages when embedding or search fails; the
// prompt then says nothing relevant was found.
func (o *Orchestrator) retrieve(ctx context.Context, message string) []domain.Passage {
	logger := observability.LoggerFromContext(ctx)
	vec, err := o.embedder.Embed(ctx, message)
	if err != nil {
		logger.WarnContext(ctx, "embedding failed, answering without retrieval", "err", err)
		return nil
	}
	passages, err := o.index.Search(ctx, vec, o.cfg.TopK, o.cfg.MinScore)
	if err != nil {
		logger.WarnContext(ctx, "retrieval failed, answering without retrieval", "err", err)
		return nil
	}
	return passages
}

func (o *Orchestrator) observe(intent domain.Intent, outcome string, start time.Time) {
	if o.recorder != nil {
		o.recorder.ObserveAnswer(intent, outcome, time.Since(start))
	}
}

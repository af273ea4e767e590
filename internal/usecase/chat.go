package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"welfare-agent/internal/domain"
	"welfare-agent/internal/locks"
	"welfare-agent/internal/observability"
	"welfare-agent/internal/stream"
)

type ThreadStore interface {
	CreateThread(ctx context.Context, t domain.Thread) error
	ThreadExists(ctx context.Context, threadID string) (bool, error)
	RecentTurns(ctx context.Context, threadID string, limit int) ([]domain.Turn, error)
	AppendTurns(ctx context.Context, turns ...domain.Turn) error
	ListTurns(ctx context.Context, threadID string, limit, offset int) ([]domain.Turn, int, error)
}

type Locker interface {
	Acquire(ctx context.Context, threadID string) (*locks.Guard, error)
}

type Answerer interface {
	Answer(ctx context.Context, in Input) (Result, error)
	Stream(ctx context.Context, in Input) (*stream.Session, Plan)
	ObserveStream(intent domain.Intent, ev stream.Event, start time.Time)
}

type LockRecorder interface {
	ObserveLockWait(elapsed time.Duration)
}

type MessageInput struct {
	ThreadID  string
	Message   string
	UserID    string
	AuthToken string
	Language  string
}

type MessageOutput struct {
	ThreadID  string
	MessageID string
	Answer    string
	Intent    domain.Intent
}

type MessagePage struct {
	ThreadID string
	Messages []domain.Turn
	Total    int
	Limit    int
	Offset   int
}

// StreamEvent is what a streaming caller forwards to its client. Chunk
// events carry Content; done carries the ids and FullAnswer; error carries
// Code and a client-safe Detail.
type StreamEvent struct {
	Type       stream.EventType
	Content    string
	ThreadID   string
	MessageID  string
	FullAnswer string
	Code       string
	Detail     string
}

// ChatService is the request flow around the orchestrator: validate, check
// the thread, serialise on its lock, answer, persist.
type ChatService struct {
	threads      ThreadStore
	locks        Locker
	answerer     Answerer
	historyLimit int
	lockRecorder LockRecorder
	now          func() time.Time
}

type ChatOption func(*ChatService)

func WithLockRecorder(r LockRecorder) ChatOption {
	return func(s *ChatService) { s.lockRecorder = r }
}

// WithHistoryLimit sets how many prior turns are loaded per message.
func WithHistoryLimit(n int) ChatOption {
	return func(s *ChatService) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

func NewChatService(threads ThreadStore, locker Locker, answerer Answerer, opts ...ChatOption) (*ChatService, error) {
	if threads == nil {
		return nil, errors.New("usecase: thread store must not be nil")
	}
	if locker == nil {
		return nil, errors.New("usecase: locker must not be nil")
	}
	if answerer == nil {
		return nil, errors.New("usecase: answerer must not be nil")
	}
	s := &ChatService{
		threads:      threads,
		locks:        locker,
		answerer:     answerer,
		historyLimit: max(defaultAnonymousHistory, defaultAuthenticatedHistory),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *ChatService) CreateThread(ctx context.Context) (domain.Thread, error) {
	t := domain.Thread{ID: newUUID(), CreatedAt: s.now().UTC()}
	if err := s.threads.CreateThread(ctx, t); err != nil {
		return domain.Thread{}, newError(ErrorInternal, "store_write_error", err)
	}
	return t, nil
}

func (s *ChatService) SendMessage(ctx context.Context, in MessageInput) (MessageOutput, error) {
	in, err := validateMessage(in)
	if err != nil {
		return MessageOutput{}, err
	}
	ctx = observability.WithThreadID(ctx, in.ThreadID)

	guard, history, err := s.begin(ctx, in.ThreadID)
	if err != nil {
		return MessageOutput{}, err
	}
	defer guard.Release()

	userTurn := s.newTurn(in, domain.RoleUser, in.Message)
	res, err := s.answerer.Answer(ctx, toInput(in, history))
	if err != nil {
		return MessageOutput{}, err
	}

	reply := s.replyTurn(in, userTurn, res.Answer)
	if err := s.threads.AppendTurns(context.WithoutCancel(ctx), userTurn, reply); err != nil {
		return MessageOutput{}, newError(ErrorInternal, "store_write_error", err)
	}
	return MessageOutput{
		ThreadID:  in.ThreadID,
		MessageID: reply.ID,
		Answer:    res.Answer,
		Intent:    res.Intent,
	}, nil
}

// StreamMessage answers incrementally through emit. An error is returned
// only when nothing has been emitted yet (validation, unknown thread, lock
// or store failure); once streaming starts every failure is delivered as a
// single error event.
func (s *ChatService) StreamMessage(ctx context.Context, in MessageInput, emit func(StreamEvent) error) error {
	in, err := validateMessage(in)
	if err != nil {
		return err
	}
	ctx = observability.WithThreadID(ctx, in.ThreadID)
	logger := observability.LoggerFromContext(ctx)

	guard, history, err := s.begin(ctx, in.ThreadID)
	if err != nil {
		return err
	}
	defer guard.Release()

	userTurn := s.newTurn(in, domain.RoleUser, in.Message)
	start := time.Now()
	session, plan := s.answerer.Stream(ctx, toInput(in, history))
	defer session.Close()

	for ev := range session.Events() {
		switch ev.Type {
		case stream.EventChunk:
			if err := emit(StreamEvent{Type: stream.EventChunk, Content: ev.Text}); err != nil {
				logger.InfoContext(ctx, "stream consumer went away", "err", err)
				return nil
			}
		case stream.EventDone:
			s.answerer.ObserveStream(plan.Intent, ev, start)
			reply := s.replyTurn(in, userTurn, ev.Text)
			if err := s.threads.AppendTurns(context.WithoutCancel(ctx), userTurn, reply); err != nil {
				logger.ErrorContext(ctx, "persist streamed turn failed", "err", err)
				return emit(StreamEvent{Type: stream.EventError, Code: string(ErrorInternal), Detail: "could not save the answer"})
			}
			return emit(StreamEvent{
				Type:       stream.EventDone,
				ThreadID:   in.ThreadID,
				MessageID:  reply.ID,
				FullAnswer: ev.Text,
			})
		case stream.EventError:
			s.answerer.ObserveStream(plan.Intent, ev, start)
			logger.WarnContext(ctx, "stream ended with error", "code", ev.Code)
			return emit(StreamEvent{Type: stream.EventError, Code: streamErrorCode(ev.Code), Detail: ev.Detail})
		}
	}
	return nil
}

func (s *ChatService) ListMessages(ctx context.Context, threadID string, limit, offset int) (MessagePage, error) {
	threadID, err := validateThreadID(threadID)
	if err != nil {
		return MessagePage{}, err
	}
	limit, offset, err = validatePage(limit, offset)
	if err != nil {
		return MessagePage{}, err
	}
	if err := s.requireThread(ctx, threadID); err != nil {
		return MessagePage{}, err
	}
	turns, total, err := s.threads.ListTurns(ctx, threadID, limit, offset)
	if err != nil {
		return MessagePage{}, newError(ErrorInternal, "store_read_error", err)
	}
	return MessagePage{ThreadID: threadID, Messages: turns, Total: total, Limit: limit, Offset: offset}, nil
}

// begin checks the thread, takes its lock and loads recent history. On
// success the caller owns the guard.
func (s *ChatService) begin(ctx context.Context, threadID string) (*locks.Guard, []domain.Turn, error) {
	if err := s.requireThread(ctx, threadID); err != nil {
		return nil, nil, err
	}

	waitStart := time.Now()
	guard, err := s.locks.Acquire(ctx, threadID)
	if err != nil {
		return nil, nil, newError(ErrorInternal, "lock_wait_aborted", err)
	}
	if s.lockRecorder != nil {
		s.lockRecorder.ObserveLockWait(time.Since(waitStart))
	}

	history, err := s.threads.RecentTurns(ctx, threadID, s.historyLimit)
	if err != nil {
		guard.Release()
		return nil, nil, newError(ErrorInternal, "store_read_error", err)
	}
	return guard, history, nil
}

func (s *ChatService) requireThread(ctx context.Context, threadID string) error {
	ok, err := s.threads.ThreadExists(ctx, threadID)
	if err != nil {
		return newError(ErrorInternal, "store_read_error", err)
	}
	if !ok {
		return newError(ErrorThreadNotFound, "thread_not_found", nil)
	}
	return nil
}

func (s *ChatService) newTurn(in MessageInput, role, content string) domain.Turn {
	return domain.Turn{
		ID:        newUUID(),
		ThreadID:  in.ThreadID,
		Role:      role,
		Content:   content,
		UserID:    in.UserID,
		Language:  in.Language,
		CreatedAt: s.now().UTC(),
	}
}

// replyTurn builds the assistant turn, strictly after the user turn even on
// a coarse clock. Stores keep microsecond precision.
func (s *ChatService) replyTurn(in MessageInput, userTurn domain.Turn, answer string) domain.Turn {
	reply := s.newTurn(in, domain.RoleAssistant, answer)
	if !reply.CreatedAt.After(userTurn.CreatedAt) {
		reply.CreatedAt = userTurn.CreatedAt.Add(time.Microsecond)
	}
	return reply
}

func toInput(in MessageInput, history []domain.Turn) Input {
	return Input{
		ThreadID:  in.ThreadID,
		UserID:    in.UserID,
		AuthToken: in.AuthToken,
		Language:  in.Language,
		Message:   in.Message,
		History:   history,
	}
}

func streamErrorCode(code string) string {
	switch code {
	case stream.CodeTimeout:
		return string(ErrorGenerationTimeout)
	case stream.CodeCancelled:
		return stream.CodeCancelled
	default:
		return string(ErrorGenerationFailed)
	}
}

var newUUID = func() string {
	return uuid.NewString()
}

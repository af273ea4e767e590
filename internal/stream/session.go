// Package stream turns a model's incremental output into a bounded, typed
// event sequence with exactly one terminal event.
package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"welfare-agent/internal/domain"
)

const defaultTimeout = 300 * time.Second

// EventType discriminates Event.
type EventType string

const (
	EventChunk EventType = "chunk"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Error codes carried by EventError.
const (
	CodeTimeout          = "TIMEOUT"
	CodeCancelled        = "CANCELLED"
	CodeGenerationFailed = "GENERATION_FAILED"
)

// Event is one item of a session. Text is the chunk for EventChunk and the
// full answer for EventDone. Code and Detail are set for EventError; Detail
// is safe to show to a caller.
type Event struct {
	Type   EventType
	Text   string
	Code   string
	Detail string
}

// Terminal reports whether e ends the session.
func (e Event) Terminal() bool { return e.Type != EventChunk }

// Generator produces a model reply incrementally, calling fn for every piece
// in order. It must stop and return when fn returns an error or ctx is done.
type Generator interface {
	GenerateStream(ctx context.Context, req domain.GenerateRequest, fn func(chunk string) error) error
}

// Options bounds a session.
type Options struct {
	// Timeout is the single end-to-end deadline for the whole session.
	Timeout time.Duration
	// MaxChars truncates the answer (in runes). Zero means unbounded.
	MaxChars int
}

// Session is a live stream. Consumers range over Events until it closes and
// call Close if they stop early.
type Session struct {
	events chan Event
	stop   chan struct{}
	once   sync.Once
}

// Events yields chunks in arrival order followed by exactly one done or
// error event, then closes.
func (s *Session) Events() <-chan Event { return s.events }

// Close abandons the session. The producer stops and its upstream call is
// cancelled. Safe to call more than once and after completion.
func (s *Session) Close() {
	s.once.Do(func() { close(s.stop) })
}

func newSession() *Session {
	return &Session{events: make(chan Event), stop: make(chan struct{})}
}

// send delivers ev unless the consumer has gone away.
func (s *Session) send(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stop:
		return false
	}
}

// Static returns a session that yields text as a single chunk and then done.
func Static(text string) *Session {
	s := newSession()
	go func() {
		defer close(s.events)
		if s.send(Event{Type: EventChunk, Text: text}) {
			s.send(Event{Type: EventDone, Text: text})
		}
	}()
	return s
}

// Open starts gen for req and returns the session streaming its output.
func Open(ctx context.Context, gen Generator, req domain.GenerateRequest, opts Options) *Session {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	s := newSession()
	go s.run(ctx, gen, req, opts)
	return s
}

var errTruncated = errors.New("stream: answer limit reached")

func (s *Session) run(parent context.Context, gen Generator, req domain.GenerateRequest, opts Options) {
	defer close(s.events)

	ctx, cancel := context.WithTimeout(parent, opts.Timeout)
	defer cancel()

	chunks := make(chan string)
	result := make(chan error, 1)
	go func() {
		result <- gen.GenerateStream(ctx, req, func(chunk string) error {
			select {
			case chunks <- chunk:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	var (
		full  strings.Builder
		runes int
	)
	for {
		select {
		case chunk := <-chunks:
			chunk, truncated := clip(chunk, runes, opts.MaxChars)
			if chunk != "" {
				full.WriteString(chunk)
				runes += len([]rune(chunk))
				if !s.send(Event{Type: EventChunk, Text: chunk}) {
					return
				}
			}
			if truncated {
				cancel()
				s.finish(full.String(), errTruncated)
				return
			}
		case err := <-result:
			if err != nil && ctx.Err() != nil {
				s.fail(parent)
				return
			}
			s.finish(full.String(), err)
			return
		case <-ctx.Done():
			s.fail(parent)
			return
		case <-s.stop:
			return
		}
	}
}

func (s *Session) finish(full string, err error) {
	if err != nil && !errors.Is(err, errTruncated) {
		s.send(Event{Type: EventError, Code: CodeGenerationFailed, Detail: "answer generation failed"})
		return
	}
	if strings.TrimSpace(full) == "" {
		s.send(Event{Type: EventError, Code: CodeGenerationFailed, Detail: "empty answer"})
		return
	}
	s.send(Event{Type: EventDone, Text: full})
}

func (s *Session) fail(parent context.Context) {
	if parent.Err() != nil {
		s.send(Event{Type: EventError, Code: CodeCancelled, Detail: "request cancelled"})
		return
	}
	s.send(Event{Type: EventError, Code: CodeTimeout, Detail: "answer generation timed out"})
}

// clip trims chunk so the running total stays within max runes and reports
// whether the limit has now been reached.
func clip(chunk string, have, max int) (string, bool) {
	if max <= 0 {
		return chunk, false
	}
	room := max - have
	if room <= 0 {
		return "", true
	}
	r := []rune(chunk)
	if len(r) < room {
		return chunk, false
	}
	return string(r[:room]), true
}

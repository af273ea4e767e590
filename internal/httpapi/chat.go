package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"welfare-agent/internal/domain"
	"welfare-agent/internal/observability"
	"welfare-agent/internal/stream"
	"welfare-agent/internal/usecase"
)

type createThreadResponse struct {
	ThreadID string `json:"threadId"`
}

type messageRequest struct {
	Message   string `json:"message"`
	AuthToken string `json:"authToken,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Language  string `json:"language,omitempty"`
}

type messageResponse struct {
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId"`
	Answer    string `json:"answer"`
}

type messageDTO struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	UserID    string    `json:"userId,omitempty"`
	Language  string    `json:"language,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type listResponse struct {
	ThreadID string       `json:"threadId"`
	Messages []messageDTO `json:"messages"`
	Total    int          `json:"total"`
	Limit    int          `json:"limit"`
	Offset   int          `json:"offset"`
}

// streamEvent is one server-sent event payload.
type streamEvent struct {
	Event      string `json:"event"`
	Content    string `json:"content,omitempty"`
	ThreadID   string `json:"threadId,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
	FullAnswer string `json:"fullAnswer,omitempty"`
	Code       string `json:"code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

func invalid(reason string) error {
	return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: reason}
}

func (s *Server) createThread(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.CreateThread(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createThreadResponse{ThreadID: t.ID})
}

func (s *Server) decodeMessage(w http.ResponseWriter, r *http.Request) (usecase.MessageInput, error) {
	var req messageRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return usecase.MessageInput{}, invalid("body_too_large")
		}
		if errors.Is(err, io.EOF) {
			return usecase.MessageInput{}, invalid("empty_body")
		}
		return usecase.MessageInput{}, invalid("invalid_body")
	}
	return usecase.MessageInput{
		ThreadID:  mux.Vars(r)["id"],
		Message:   req.Message,
		UserID:    req.UserID,
		AuthToken: req.AuthToken,
		Language:  req.Language,
	}, nil
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	in, err := s.decodeMessage(w, r)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	out, err := s.svc.SendMessage(r.Context(), in)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{ThreadID: out.ThreadID, MessageID: out.MessageID, Answer: out.Answer})
}

// streamMessage answers as text/event-stream. Errors before the first event
// are ordinary JSON error responses; after it they arrive as an error event.
func (s *Server) streamMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	in, err := s.decodeMessage(w, r)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	rc := http.NewResponseController(w)
	started := false
	emit := func(ev usecase.StreamEvent) error {
		if !started {
			h := w.Header()
			h.Set("Content-Type", "text/event-stream")
			h.Set("Cache-Control", "no-cache")
			h.Set("Connection", "keep-alive")
			h.Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		payload, err := json.Marshal(toStreamEvent(ev))
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	}

	if err := s.svc.StreamMessage(ctx, in, emit); err != nil {
		if !started {
			writeError(ctx, w, err)
			return
		}
		observability.LoggerFromContext(ctx).WarnContext(ctx, "stream write failed", "err", err)
	}
}

func toStreamEvent(ev usecase.StreamEvent) streamEvent {
	out := streamEvent{Event: string(ev.Type)}
	switch ev.Type {
	case stream.EventChunk:
		out.Content = ev.Content
	case stream.EventDone:
		out.ThreadID = ev.ThreadID
		out.MessageID = ev.MessageID
		out.FullAnswer = ev.FullAnswer
	case stream.EventError:
		out.Code = ev.Code
		out.Detail = ev.Detail
	}
	return out
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil || (q.Get("limit") != "" && limit < 1) {
		writeError(r.Context(), w, invalid("invalid_limit"))
		return
	}
	offset, err := queryInt(q.Get("offset"))
	if err != nil {
		writeError(r.Context(), w, invalid("invalid_offset"))
		return
	}

	page, err := s.svc.ListMessages(r.Context(), mux.Vars(r)["id"], limit, offset)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	out := listResponse{
		ThreadID: page.ThreadID,
		Messages: make([]messageDTO, 0, len(page.Messages)),
		Total:    page.Total,
		Limit:    page.Limit,
		Offset:   page.Offset,
	}
	for _, t := range page.Messages {
		out.Messages = append(out.Messages, toMessageDTO(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func toMessageDTO(t domain.Turn) messageDTO {
	return messageDTO{
		ID:        t.ID,
		Role:      t.Role,
		Content:   t.Content,
		UserID:    t.UserID,
		Language:  t.Language,
		CreatedAt: t.CreatedAt,
	}
}

// queryInt parses an optional integer query value; empty means zero.
func queryInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

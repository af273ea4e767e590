// Package mcpserver exposes the chat flow as MCP tools so assistants and
// operators can drive conversations over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"welfare-agent/internal/domain"
	"welfare-agent/internal/usecase"
)

type ChatService interface {
	CreateThread(ctx context.Context) (domain.Thread, error)
	SendMessage(ctx context.Context, in usecase.MessageInput) (usecase.MessageOutput, error)
	ListMessages(ctx context.Context, threadID string, limit, offset int) (usecase.MessagePage, error)
}

type Server struct {
	svc ChatService
	mcp *server.MCPServer
}

func New(svc ChatService, version string) (*Server, error) {
	if svc == nil {
		return nil, errors.New("mcpserver: chat service must not be nil")
	}
	s := &Server{svc: svc, mcp: server.NewMCPServer("welfare-agent", version)}

	s.mcp.AddTool(mcp.NewTool("create_thread",
		mcp.WithDescription("Starts a new welfare-scheme conversation and returns its thread id."),
	), s.createThreadHandler)

	s.mcp.AddTool(mcp.NewTool("send_message",
		mcp.WithDescription("Asks a question in a conversation. Supply user_id and auth_token to get answers about the worker's own applications."),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread id returned by create_thread")),
		mcp.WithString("message", mcp.Required(), mcp.Description("The question, up to 10,000 characters")),
		mcp.WithString("user_id", mcp.Description("Worker id for personalised answers")),
		mcp.WithString("auth_token", mcp.Description("Backend token belonging to user_id")),
		mcp.WithString("language", mcp.Description("Answer language: en, kn, hi, ta, te, ml or mr")),
	), s.sendMessageHandler)

	s.mcp.AddTool(mcp.NewTool("list_messages",
		mcp.WithDescription("Returns a page of a conversation's messages, oldest first."),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread id")),
		mcp.WithNumber("limit", mcp.Description("Page size, 1-200 (default 50)")),
		mcp.WithNumber("offset", mcp.Description("Messages to skip (default 0)")),
	), s.listMessagesHandler)

	return s, nil
}

// ServeStdio blocks serving MCP over stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) createThreadHandler(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t, err := s.svc.CreateThread(ctx)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]string{"threadId": t.ID})
}

func (s *Server) sendMessageHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	in := usecase.MessageInput{
		ThreadID:  stringArg(args, "thread_id"),
		Message:   stringArg(args, "message"),
		UserID:    stringArg(args, "user_id"),
		AuthToken: stringArg(args, "auth_token"),
		Language:  stringArg(args, "language"),
	}
	if strings.TrimSpace(in.ThreadID) == "" || strings.TrimSpace(in.Message) == "" {
		return mcp.NewToolResultError("thread_id and message are required"), nil
	}

	out, err := s.svc.SendMessage(ctx, in)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(map[string]string{
		"threadId":  out.ThreadID,
		"messageId": out.MessageID,
		"answer":    out.Answer,
	})
}

type messageView struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

func (s *Server) listMessagesHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	threadID := stringArg(args, "thread_id")
	if strings.TrimSpace(threadID) == "" {
		return mcp.NewToolResultError("thread_id is required"), nil
	}
	limit, ok := intArg(args, "limit")
	if !ok {
		return mcp.NewToolResultError("limit must be an integer"), nil
	}
	offset, ok := intArg(args, "offset")
	if !ok {
		return mcp.NewToolResultError("offset must be an integer"), nil
	}

	page, err := s.svc.ListMessages(ctx, threadID, limit, offset)
	if err != nil {
		return toolError(err), nil
	}
	views := make([]messageView, 0, len(page.Messages))
	for _, t := range page.Messages {
		views = append(views, messageView{
			ID:        t.ID,
			Role:      t.Role,
			Content:   t.Content,
			CreatedAt: t.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
		})
	}
	return jsonResult(map[string]any{
		"threadId": page.ThreadID,
		"messages": views,
		"total":    page.Total,
		"limit":    page.Limit,
		"offset":   page.Offset,
	})
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// intArg reads an optional whole number. JSON numbers arrive as float64.
func intArg(args map[string]any, key string) (int, bool) {
	raw, present := args[key]
	if !present || raw == nil {
		return 0, true
	}
	f, ok := raw.(float64)
	if !ok || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mcpserver: encode result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

// toolError reports the error code and reason, never the wrapped cause.
func toolError(err error) *mcp.CallToolResult {
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", ucErr.Code, ucErr.Reason))
	}
	return mcp.NewToolResultError(string(usecase.ErrorInternal))
}

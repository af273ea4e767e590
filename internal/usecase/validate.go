package usecase

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	maxMessageRunes = 10000
	maxUserIDLen    = 100
	maxAuthTokenLen = 500
	defaultPageSize = 50
	maxPageSize     = 200
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]*$`)

// supportedLanguages maps language tags to the name used in prompts. The
// empty tag means "unspecified" and answers in English.
var supportedLanguages = map[string]string{
	"":   "English",
	"en": "English",
	"kn": "Kannada",
	"hi": "Hindi",
	"ta": "Tamil",
	"te": "Telugu",
	"ml": "Malayalam",
	"mr": "Marathi",
}

// SupportedLanguage reports whether tag (case-insensitive) is accepted.
func SupportedLanguage(tag string) bool {
	_, ok := supportedLanguages[normalizeLanguage(tag)]
	return ok
}

func normalizeLanguage(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// validateThreadID accepts any form uuid.Parse does and returns the
// canonical lower-case hyphenated id that threads are stored under.
func validateThreadID(id string) (string, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", newError(ErrorInvalidInput, "invalid_thread_id", nil)
	}
	return parsed.String(), nil
}

// validateMessage checks and normalises every boundary field of a message.
func validateMessage(in MessageInput) (MessageInput, error) {
	threadID, err := validateThreadID(in.ThreadID)
	if err != nil {
		return MessageInput{}, err
	}
	in.ThreadID = threadID

	if strings.TrimSpace(in.Message) == "" {
		return MessageInput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(in.Message) > maxMessageRunes {
		return MessageInput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	in.Message = strings.TrimSpace(in.Message)

	in.UserID = strings.TrimSpace(in.UserID)
	if len(in.UserID) > maxUserIDLen || !userIDPattern.MatchString(in.UserID) {
		return MessageInput{}, newError(ErrorInvalidInput, "invalid_user_id", nil)
	}
	if len(in.AuthToken) > maxAuthTokenLen {
		return MessageInput{}, newError(ErrorInvalidInput, "auth_token_too_long", nil)
	}
	in.AuthToken = strings.TrimSpace(in.AuthToken)

	in.Language = normalizeLanguage(in.Language)
	if _, ok := supportedLanguages[in.Language]; !ok {
		return MessageInput{}, newError(ErrorInvalidInput, "unsupported_language", nil)
	}
	return in, nil
}

func validatePage(limit, offset int) (int, int, error) {
	if limit == 0 {
		limit = defaultPageSize
	}
	if limit < 1 || limit > maxPageSize {
		return 0, 0, newError(ErrorInvalidInput, "invalid_limit", nil)
	}
	if offset < 0 {
		return 0, 0, newError(ErrorInvalidInput, "invalid_offset", nil)
	}
	return limit, offset, nil
}

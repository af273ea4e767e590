package domain

import "time"

// Thread is a conversation. Its ID is a UUID v4 string.
type Thread struct {
	ID        string
	CreatedAt time.Time
}

// Turn is a single persisted message in a thread. Turns are immutable once
// written and ordered by CreatedAt within their thread.
type Turn struct {
	ID        string
	ThreadID  string
	Role      string
	Content   string
	UserID    string
	Language  string
	CreatedAt time.Time
}

// Intent is the classification of an inbound message.
type Intent string

const (
	IntentECard         Intent = "ECARD"
	IntentStatusCheck   Intent = "STATUS_CHECK"
	IntentGeneral       Intent = "GENERAL"
	IntentLoginRequired Intent = "LOGIN_REQUIRED"
)

// Personalised reports whether answering the intent needs the caller's own data.
func (i Intent) Personalised() bool {
	return i == IntentECard || i == IntentStatusCheck
}

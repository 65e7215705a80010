package server

import (
	"context"
	"time"

	"github.com/migadu/maildrop/consts"
)

// Account is the admin view of one maildrop.
type Account struct {
	Username     string     `json:"username"`
	Locked       bool       `json:"locked"`
	LockedAt     *time.Time `json:"locked_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	MessageCount int        `json:"message_count"`
	MarkedCount  int        `json:"marked_count"`
	MaildropSize int64      `json:"maildrop_size"`
}

// MessageInfo describes one stored message without its content.
type MessageInfo struct {
	Position  int       `json:"position"`
	UIDL      string    `json:"uidl"`
	Size      int64     `json:"size"`
	Hash      string    `json:"content_hash"`
	Subject   string    `json:"subject,omitempty"`
	From      string    `json:"from,omitempty"`
	Marked    bool      `json:"marked"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager is the administrative surface shared by every store backend. It is
// used by the admin CLI, the HTTP API and the LMTP listener; the POP3
// interpreter never calls it.
type Manager interface {
	// CreateAccount stores a new maildrop with an already hashed password.
	CreateAccount(ctx context.Context, username, passwordHash string) error
	DeleteAccount(ctx context.Context, username string) error
	SetPassword(ctx context.Context, username, passwordHash string) error
	GetAccount(ctx context.Context, username string) (*Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)

	// AppendMessage adds a message at the end of the maildrop.
	AppendMessage(ctx context.Context, username string, content []byte) (*MessageInfo, error)
	ListMessages(ctx context.Context, username string) ([]MessageInfo, error)
	GetMessage(ctx context.Context, username string, pos int) (*MessageInfo, []byte, error)

	// Unlock clears one lock flag and reports whether it was set.
	Unlock(ctx context.Context, username string) (bool, error)
	Ping(ctx context.Context) error
}

// ValidateUsername rejects names that cannot be sent as a single USER argument.
func ValidateUsername(username string) error {
	if username == "" || len(username) > consts.MaxUsernameLength {
		return consts.ErrInvalidUsername
	}
	for _, r := range username {
		if r <= ' ' || r == 0x7f {
			return consts.ErrInvalidUsername
		}
	}
	return nil
}

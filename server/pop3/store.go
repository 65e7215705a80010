package pop3

import "context"

// MaildropStore is the durable state the interpreter works on. Positions are
// 1-based and follow the store's creation order; marked messages keep their
// position until they are removed by DeleteMarked. Implementations must be
// safe for concurrent use.
type MaildropStore interface {
	AccountExists(ctx context.Context, user string) (bool, error)
	PasswordMatches(ctx context.Context, user, password string) (bool, error)

	IsLocked(ctx context.Context, user string) (bool, error)
	SetLocked(ctx context.Context, user string, locked bool) error
	// UnlockAll clears every lock flag and reports how many were set.
	UnlockAll(ctx context.Context) (int, error)

	// MessageCount counts all messages, or only unmarked ones.
	MessageCount(ctx context.Context, user string, includeMarked bool) (int, error)
	// MaildropSize sums the size in octets of the unmarked messages.
	MaildropSize(ctx context.Context, user string) (int64, error)
	MessageSize(ctx context.Context, user string, pos int) (int64, error)
	// MessageExists is false for positions out of range and for marked messages.
	MessageExists(ctx context.Context, user string, pos int) (bool, error)
	MarkMessage(ctx context.Context, user string, pos int, marked bool) error
	// IsMarked is false for positions out of range.
	IsMarked(ctx context.Context, user string, pos int) (bool, error)
	MessageContent(ctx context.Context, user string, pos int) ([]byte, error)
	MessageUID(ctx context.Context, user string, pos int) (string, error)
	UnmarkAll(ctx context.Context, user string) error
	// DeleteMarked physically removes the marked messages and returns how many were removed.
	DeleteMarked(ctx context.Context, user string) (int, error)
}

// LockAcquirer is implemented by stores that can take a maildrop lock as one
// atomic test-and-set. Without it the interpreter falls back to SetLocked.
type LockAcquirer interface {
	AcquireLock(ctx context.Context, user string) (bool, error)
}

// ListingEntry is one message as seen by LIST and UIDL.
type ListingEntry struct {
	Position int
	Size     int64
	UIDL     string
	Marked   bool
}

// MaildropLister is implemented by stores that can return the whole listing
// in one call instead of one call per position.
type MaildropLister interface {
	Listing(ctx context.Context, user string) ([]ListingEntry, error)
}

// SnapshotStore is implemented by stores that can bound counts to the
// messages present when a session entered TRANSACTION. Message ids grow with
// every append, so mail delivered during the session stays outside the
// bound. Without it the interpreter counts the whole maildrop.
type SnapshotStore interface {
	// LastMessageID returns the highest message id in the maildrop, or 0.
	LastMessageID(ctx context.Context, user string) (int64, error)
	MessageCountUpTo(ctx context.Context, user string, maxID int64, includeMarked bool) (int, error)
	MaildropSizeUpTo(ctx context.Context, user string, maxID int64) (int64, error)
}

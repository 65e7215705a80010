package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/helpers"
	"github.com/migadu/maildrop/logger"
	"github.com/migadu/maildrop/pkg/password"
	"github.com/migadu/maildrop/server/pop3"
)

var (
	_ pop3.MaildropStore  = (*Database)(nil)
	_ pop3.LockAcquirer   = (*Database)(nil)
	_ pop3.MaildropLister = (*Database)(nil)
	_ pop3.SnapshotStore  = (*Database)(nil)
)

// Positions are 1-based over all messages of a maildrop, marked included,
// ordered by message id. positionSQL selects the id of message $2.
const positionSQL = `
	SELECT m.id FROM messages m
	JOIN maildrops d ON d.id = m.maildrop_id
	WHERE d.username = $1
	ORDER BY m.id
	OFFSET $2 - 1 LIMIT 1`

const maildropIDSQL = `SELECT id FROM maildrops WHERE username = $1`

func (db *Database) AccountExists(ctx context.Context, user string) (bool, error) {
	var exists bool
	err := db.TimedQueryRow(ctx, "account_exists",
		`SELECT EXISTS(SELECT 1 FROM maildrops WHERE username = $1)`, user).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", user, err)
	}
	return exists, nil
}

// PasswordMatches verifies the stored hash and upgrades bcrypt hashes made
// with an outdated cost.
func (db *Database) PasswordMatches(ctx context.Context, user, pass string) (bool, error) {
	var hash string
	err := db.TimedQueryRow(ctx, "password_hash",
		`SELECT password FROM maildrops WHERE username = $1`, user).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read password of %s: %w", user, err)
	}

	err = password.Verify(hash, pass)
	if errors.Is(err, password.ErrMismatch) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to verify password of %s: %w", user, err)
	}

	if password.NeedsRehash(hash) {
		if rehashed, err := password.Hash(password.SchemeBcrypt, pass); err == nil {
			if err := db.SetPassword(ctx, user, rehashed); err != nil {
				logger.Warn("DB: failed to upgrade password hash", "user", user, "error", err)
			}
		}
	}
	return true, nil
}

func (db *Database) IsLocked(ctx context.Context, user string) (bool, error) {
	var locked bool
	err := db.TimedQueryRow(ctx, "is_locked",
		`SELECT locked FROM maildrops WHERE username = $1`, user).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", consts.ErrAccountNotFound, user)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read lock of %s: %w", user, err)
	}
	return locked, nil
}

func (db *Database) SetLocked(ctx context.Context, user string, locked bool) error {
	tag, err := db.TimedExec(ctx, "set_locked", `
		UPDATE maildrops
		SET locked = $2, locked_at = CASE WHEN $2 THEN now() ELSE NULL END
		WHERE username = $1`, user, locked)
	if err != nil {
		return fmt.Errorf("failed to set lock of %s: %w", user, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", consts.ErrAccountNotFound, user)
	}
	return nil
}

// AcquireLock sets the lock in a single conditional UPDATE, so two sessions
// racing between USER and PASS cannot both win.
func (db *Database) AcquireLock(ctx context.Context, user string) (bool, error) {
	tag, err := db.TimedExec(ctx, "acquire_lock", `
		UPDATE maildrops SET locked = TRUE, locked_at = now()
		WHERE username = $1 AND NOT locked`, user)
	if err != nil {
		return false, fmt.Errorf("failed to lock %s: %w", user, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, db.requireAccount(ctx, user)
}

func (db *Database) Unlock(ctx context.Context, user string) (bool, error) {
	tag, err := db.TimedExec(ctx, "unlock", `
		UPDATE maildrops SET locked = FALSE, locked_at = NULL
		WHERE username = $1 AND locked`, user)
	if err != nil {
		return false, fmt.Errorf("failed to unlock %s: %w", user, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, db.requireAccount(ctx, user)
}

func (db *Database) UnlockAll(ctx context.Context) (int, error) {
	tag, err := db.TimedExec(ctx, "unlock_all",
		`UPDATE maildrops SET locked = FALSE, locked_at = NULL WHERE locked`)
	if err != nil {
		return 0, fmt.Errorf("failed to unlock maildrops: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (db *Database) requireAccount(ctx context.Context, user string) error {
	exists, err := db.AccountExists(ctx, user)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", consts.ErrAccountNotFound, user)
	}
	return nil
}

func (db *Database) MessageCount(ctx context.Context, user string, includeMarked bool) (int, error) {
	var n int
	err := db.TimedQueryRow(ctx, "message_count", `
		SELECT COUNT(*) FROM messages m
		JOIN maildrops d ON d.id = m.maildrop_id
		WHERE d.username = $1 AND ($2 OR NOT m.marked)`, user, includeMarked).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages of %s: %w", user, err)
	}
	return n, nil
}

func (db *Database) MaildropSize(ctx context.Context, user string) (int64, error) {
	var size int64
	err := db.TimedQueryRow(ctx, "maildrop_size", `
		SELECT COALESCE(SUM(m.size), 0)::BIGINT FROM messages m
		JOIN maildrops d ON d.id = m.maildrop_id
		WHERE d.username = $1 AND NOT m.marked`, user).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("failed to sum messages of %s: %w", user, err)
	}
	return size, nil
}

func (db *Database) LastMessageID(ctx context.Context, user string) (int64, error) {
	var id int64
	err := db.TimedQueryRow(ctx, "last_message_id", `
		SELECT COALESCE(MAX(m.id), 0)::BIGINT FROM messages m
		JOIN maildrops d ON d.id = m.maildrop_id
		WHERE d.username = $1`, user).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read last message of %s: %w", user, err)
	}
	return id, nil
}

func (db *Database) MessageCountUpTo(ctx context.Context, user string, maxID int64, includeMarked bool) (int, error) {
	var n int
	err := db.TimedQueryRow(ctx, "message_count", `
		SELECT COUNT(*) FROM messages m
		JOIN maildrops d ON d.id = m.maildrop_id
		WHERE d.username = $1 AND m.id <= $2 AND ($3 OR NOT m.marked)`, user, maxID, includeMarked).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages of %s: %w", user, err)
	}
	return n, nil
}

func (db *Database) MaildropSizeUpTo(ctx context.Context, user string, maxID int64) (int64, error) {
	var size int64
	err := db.TimedQueryRow(ctx, "maildrop_size", `
		SELECT COALESCE(SUM(m.size), 0)::BIGINT FROM messages m
		JOIN maildrops d ON d.id = m.maildrop_id
		WHERE d.username = $1 AND m.id <= $2 AND NOT m.marked`, user, maxID).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("failed to sum messages of %s: %w", user, err)
	}
	return size, nil
}

// messageRow reads columns of message pos. pgx.ErrNoRows becomes
// ErrMessageNotFound.
func (db *Database) messageRow(ctx context.Context, operation, column, user string, pos int, dest ...any) error {
	if pos < 1 {
		return fmt.Errorf("%w: %s #%d", consts.ErrMessageNotFound, user, pos)
	}
	err := db.TimedQueryRow(ctx, operation,
		`SELECT `+column+` FROM messages WHERE id = (`+positionSQL+`)`, user, pos).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s #%d", consts.ErrMessageNotFound, user, pos)
	}
	if err != nil {
		return fmt.Errorf("failed to read message %d of %s: %w", pos, user, err)
	}
	return nil
}

func (db *Database) MessageSize(ctx context.Context, user string, pos int) (int64, error) {
	var size int64
	err := db.messageRow(ctx, "message_size", "size", user, pos, &size)
	return size, err
}

func (db *Database) MessageUID(ctx context.Context, user string, pos int) (string, error) {
	var uidl string
	err := db.messageRow(ctx, "message_uid", "uidl", user, pos, &uidl)
	return uidl, err
}

func (db *Database) IsMarked(ctx context.Context, user string, pos int) (bool, error) {
	var marked bool
	err := db.messageRow(ctx, "is_marked", "marked", user, pos, &marked)
	if errors.Is(err, consts.ErrMessageNotFound) {
		return false, nil
	}
	return marked, err
}

func (db *Database) MessageExists(ctx context.Context, user string, pos int) (bool, error) {
	var marked bool
	err := db.messageRow(ctx, "message_exists", "marked", user, pos, &marked)
	if errors.Is(err, consts.ErrMessageNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !marked, nil
}

func (db *Database) MarkMessage(ctx context.Context, user string, pos int, marked bool) error {
	if pos < 1 {
		return fmt.Errorf("%w: %s #%d", consts.ErrMessageNotFound, user, pos)
	}
	tag, err := db.TimedExec(ctx, "mark_message",
		`UPDATE messages SET marked = $3 WHERE id = (`+positionSQL+`)`, user, pos, marked)
	if err != nil {
		return fmt.Errorf("failed to mark message %d of %s: %w", pos, user, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s #%d", consts.ErrMessageNotFound, user, pos)
	}
	return nil
}

func (db *Database) MessageContent(ctx context.Context, user string, pos int) ([]byte, error) {
	var content []byte
	var hash string
	if err := db.messageRow(ctx, "message_content", "content, content_hash", user, pos, &content, &hash); err != nil {
		return nil, err
	}
	if content != nil {
		return content, nil
	}
	return db.fetchBody(ctx, user, hash)
}

func (db *Database) UnmarkAll(ctx context.Context, user string) error {
	_, err := db.TimedExec(ctx, "unmark_all",
		`UPDATE messages SET marked = FALSE WHERE maildrop_id = (`+maildropIDSQL+`) AND marked`, user)
	if err != nil {
		return fmt.Errorf("failed to unmark messages of %s: %w", user, err)
	}
	return nil
}

// lockMaildrop returns the id of the maildrop row and holds it FOR UPDATE
// until tx ends. AppendMessage and DeleteMarked take it so that the body
// reference check and the object upload or delete happen as one step.
func lockMaildrop(ctx context.Context, tx pgx.Tx, user string) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, maildropIDSQL+` FOR UPDATE`, user).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", consts.ErrAccountNotFound, user)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock maildrop %s: %w", user, err)
	}
	return id, nil
}

// DeleteMarked removes the marked rows and the object storage bodies that no
// remaining message of the maildrop uses. Bodies are deleted before commit,
// while the maildrop row is locked against a concurrent append.
func (db *Database) DeleteMarked(ctx context.Context, user string) (int, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback(ctx)

	maildropID, err := lockMaildrop(ctx, tx, user)
	if err != nil {
		return 0, err
	}

	rows, err := tx.Query(ctx, `
		DELETE FROM messages
		WHERE maildrop_id = $1 AND marked
		RETURNING content_hash, content IS NULL`, maildropID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages of %s: %w", user, err)
	}

	removed := 0
	external := make(map[string]struct{})
	for rows.Next() {
		var hash string
		var offloaded bool
		if err := rows.Scan(&hash, &offloaded); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan deleted message: %w", err)
		}
		removed++
		if offloaded {
			external[hash] = struct{}{}
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to delete messages of %s: %w", user, err)
	}

	var orphaned []string
	for hash := range external {
		var used bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM messages
			WHERE maildrop_id = $1 AND content_hash = $2 AND content IS NULL)`,
			maildropID, hash).Scan(&used)
		if err != nil {
			return 0, fmt.Errorf("failed to check body references: %w", err)
		}
		if !used {
			orphaned = append(orphaned, hash)
		}
	}

	db.deleteBodies(ctx, user, orphaned)

	if err := tx.Commit(ctx); err != nil {
		if len(orphaned) > 0 {
			logger.Error("DB: delete rolled back after its bodies were removed", "user", user, "hashes", orphaned)
		}
		return 0, fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	return removed, nil
}

func (db *Database) Listing(ctx context.Context, user string) ([]pop3.ListingEntry, error) {
	rows, err := db.TimedQuery(ctx, "listing", `
		SELECT m.size, m.uidl, m.marked FROM messages m
		JOIN maildrops d ON d.id = m.maildrop_id
		WHERE d.username = $1
		ORDER BY m.id`, user)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages of %s: %w", user, err)
	}
	defer rows.Close()

	var entries []pop3.ListingEntry
	for rows.Next() {
		e := pop3.ListingEntry{Position: len(entries) + 1}
		if err := rows.Scan(&e.Size, &e.UIDL, &e.Marked); err != nil {
			return nil, fmt.Errorf("failed to scan listing: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func bodyKey(user, hash string) string {
	local, domain := helpers.SplitEmailAddress(user)
	return helpers.NewS3Key(domain, local, hash)
}

func (db *Database) fetchBody(ctx context.Context, user, hash string) ([]byte, error) {
	if db.bodies == nil {
		return nil, fmt.Errorf("message body %s of %s is in object storage, which is not configured", hash, user)
	}
	if !helpers.IsValidContentHash(hash) {
		return nil, fmt.Errorf("message of %s has a malformed content hash %q", user, hash)
	}
	return db.bodies.Get(ctx, bodyKey(user, hash))
}

// deleteBodies removes bodies from object storage. Failures only leave
// garbage behind, so they are logged and not returned.
func (db *Database) deleteBodies(ctx context.Context, user string, hashes []string) {
	if db.bodies == nil {
		return
	}
	for _, hash := range hashes {
		if err := db.bodies.Delete(ctx, bodyKey(user, hash)); err != nil {
			logger.Warn("DB: failed to delete message body", "user", user, "hash", hash, "error", err)
		}
	}
}

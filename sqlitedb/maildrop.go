package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/logger"
	"github.com/migadu/maildrop/pkg/password"
	"github.com/migadu/maildrop/server/pop3"
)

var (
	_ pop3.MaildropStore  = (*Store)(nil)
	_ pop3.LockAcquirer   = (*Store)(nil)
	_ pop3.MaildropLister = (*Store)(nil)
	_ pop3.SnapshotStore  = (*Store)(nil)
)

// positionSQL selects the id of message ?2 of maildrop ?1. Positions are
// 1-based over every message, marked included, ordered by id.
const positionSQL = `
	SELECT m.id FROM messages m
	JOIN maildrops d ON d.id = m.maildrop_id
	WHERE d.username = ?1
	ORDER BY m.id
	LIMIT 1 OFFSET ?2 - 1`

const maildropIDSQL = `SELECT id FROM maildrops WHERE username = ?1`

func (s *Store) AccountExists(ctx context.Context, user string) (bool, error) {
	var exists bool
	err := s.queryRow(ctx, "account_exists",
		`SELECT EXISTS(SELECT 1 FROM maildrops WHERE username = ?1)`, []any{user}, &exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up %s: %w", user, err)
	}
	return exists, nil
}

func (s *Store) PasswordMatches(ctx context.Context, user, pass string) (bool, error) {
	var hash string
	err := s.queryRow(ctx, "password_hash",
		`SELECT password FROM maildrops WHERE username = ?1`, []any{user}, &hash)
	if errors.Is(err, sql.ErrNoRows) {
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
			if err := s.SetPassword(ctx, user, rehashed); err != nil {
				logger.Warn("SQLite: failed to upgrade password hash", "user", user, "error", err)
			}
		}
	}
	return true, nil
}

func (s *Store) IsLocked(ctx context.Context, user string) (bool, error) {
	var locked bool
	err := s.queryRow(ctx, "is_locked",
		`SELECT locked FROM maildrops WHERE username = ?1`, []any{user}, &locked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, accountNotFound(user)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read lock of %s: %w", user, err)
	}
	return locked, nil
}

func (s *Store) SetLocked(ctx context.Context, user string, locked bool) error {
	var lockedAt any
	if locked {
		lockedAt = time.Now().UTC()
	}
	res, err := s.exec(ctx, "set_locked",
		`UPDATE maildrops SET locked = ?2, locked_at = ?3 WHERE username = ?1`, user, locked, lockedAt)
	if err != nil {
		return fmt.Errorf("failed to set lock of %s: %w", user, err)
	}
	if rowsAffected(res) == 0 {
		return accountNotFound(user)
	}
	return nil
}

func (s *Store) AcquireLock(ctx context.Context, user string) (bool, error) {
	res, err := s.exec(ctx, "acquire_lock",
		`UPDATE maildrops SET locked = 1, locked_at = ?2 WHERE username = ?1 AND locked = 0`,
		user, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to lock %s: %w", user, err)
	}
	if rowsAffected(res) == 1 {
		return true, nil
	}
	return false, s.requireAccount(ctx, user)
}

func (s *Store) Unlock(ctx context.Context, user string) (bool, error) {
	res, err := s.exec(ctx, "unlock",
		`UPDATE maildrops SET locked = 0, locked_at = NULL WHERE username = ?1 AND locked = 1`, user)
	if err != nil {
		return false, fmt.Errorf("failed to unlock %s: %w", user, err)
	}
	if rowsAffected(res) == 1 {
		return true, nil
	}
	return false, s.requireAccount(ctx, user)
}

func (s *Store) UnlockAll(ctx context.Context) (int, error) {
	res, err := s.exec(ctx, "unlock_all",
		`UPDATE maildrops SET locked = 0, locked_at = NULL WHERE locked = 1`)
	if err != nil {
		return 0, fmt.Errorf("failed to unlock maildrops: %w", err)
	}
	return int(rowsAffected(res)), nil
}

func (s *Store) requireAccount(ctx context.Context, user string) error {
	exists, err := s.AccountExists(ctx, user)
	if err != nil {
		return err
	}
	if !exists {
		return accountNotFound(user)
	}
	return nil
}

func (s *Store) MessageCount(ctx context.Context, user string, includeMarked bool) (int, error) {
	var n int
	err := s.queryRow(ctx, "message_count", `
		SELECT COUNT(*) FROM messages m
		JOIN maildrops d ON d.id = m.maildrop_id
		WHERE d.username = ?1 AND (?2 OR m.marked = 0)`, []any{user, includeMarked}, &n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages of %s: %w", user, err)
	}
	return n, nil
}

func (s *Store) MaildropSize(ctx context.Context, user string) (int64, error) {
	var size int64
	err := s.queryRow(ctx, "maildrop_size", `
		SELECT COALESCE(SUM(m.size), 0) FROM messages m
		JOIN maildrops d ON d.id = m.maildrop_id
		WHERE d.username = ?1 AND m.marked = 0`, []any{user}, &size)
	if err != nil {
		return 0, fmt.Errorf("failed to sum messages of %s: %w", user, err)
	}
	return size, nil
}

func (s *Store) LastMessageID(ctx context.Context, user string) (int64, error) {
	var id int64
	err := s.queryRow(ctx, "last_message_id", `
		SELECT COALESCE(MAX(m.id), 0) FROM messages m
		JOIN maildrops d ON d.id = m.maildrop_id
		WHERE d.username = ?1`, []any{user}, &id)
	if err != nil {
		return 0, fmt.Errorf("failed to read last message of %s: %w", user, err)
	}
	return id, nil
}

func (s *Store) MessageCountUpTo(ctx context.Context, user string, maxID int64, includeMarked bool) (int, error) {
	var n int
	err := s.queryRow(ctx, "message_count", `
		SELECT COUNT(*) FROM messages m
		JOIN maildrops d ON d.id = m.maildrop_id
		WHERE d.username = ?1 AND m.id <= ?2 AND (?3 OR m.marked = 0)`, []any{user, maxID, includeMarked}, &n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages of %s: %w", user, err)
	}
	return n, nil
}

func (s *Store) MaildropSizeUpTo(ctx context.Context, user string, maxID int64) (int64, error) {
	var size int64
	err := s.queryRow(ctx, "maildrop_size", `
		SELECT COALESCE(SUM(m.size), 0) FROM messages m
		JOIN maildrops d ON d.id = m.maildrop_id
		WHERE d.username = ?1 AND m.id <= ?2 AND m.marked = 0`, []any{user, maxID}, &size)
	if err != nil {
		return 0, fmt.Errorf("failed to sum messages of %s: %w", user, err)
	}
	return size, nil
}

// messageRow reads columns of message pos. sql.ErrNoRows becomes
// ErrMessageNotFound.
func (s *Store) messageRow(ctx context.Context, operation, columns, user string, pos int, dest ...any) error {
	if pos < 1 {
		return messageNotFound(user, pos)
	}
	err := s.queryRow(ctx, operation,
		`SELECT `+columns+` FROM messages WHERE id = (`+positionSQL+`)`, []any{user, pos}, dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return messageNotFound(user, pos)
	}
	if err != nil {
		return fmt.Errorf("failed to read message %d of %s: %w", pos, user, err)
	}
	return nil
}

func (s *Store) MessageSize(ctx context.Context, user string, pos int) (int64, error) {
	var size int64
	err := s.messageRow(ctx, "message_size", "size", user, pos, &size)
	return size, err
}

func (s *Store) MessageUID(ctx context.Context, user string, pos int) (string, error) {
	var uidl string
	err := s.messageRow(ctx, "message_uid", "uidl", user, pos, &uidl)
	return uidl, err
}

func (s *Store) IsMarked(ctx context.Context, user string, pos int) (bool, error) {
	var marked bool
	err := s.messageRow(ctx, "is_marked", "marked", user, pos, &marked)
	if errors.Is(err, consts.ErrMessageNotFound) {
		return false, nil
	}
	return marked, err
}

func (s *Store) MessageExists(ctx context.Context, user string, pos int) (bool, error) {
	var marked bool
	err := s.messageRow(ctx, "message_exists", "marked", user, pos, &marked)
	if errors.Is(err, consts.ErrMessageNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !marked, nil
}

func (s *Store) MarkMessage(ctx context.Context, user string, pos int, marked bool) error {
	if pos < 1 {
		return messageNotFound(user, pos)
	}
	res, err := s.exec(ctx, "mark_message",
		`UPDATE messages SET marked = ?3 WHERE id = (`+positionSQL+`)`, user, pos, marked)
	if err != nil {
		return fmt.Errorf("failed to mark message %d of %s: %w", pos, user, err)
	}
	if rowsAffected(res) == 0 {
		return messageNotFound(user, pos)
	}
	return nil
}

func (s *Store) MessageContent(ctx context.Context, user string, pos int) ([]byte, error) {
	var content []byte
	err := s.messageRow(ctx, "message_content", "content", user, pos, &content)
	return content, err
}

func (s *Store) UnmarkAll(ctx context.Context, user string) error {
	_, err := s.exec(ctx, "unmark_all",
		`UPDATE messages SET marked = 0 WHERE maildrop_id = (`+maildropIDSQL+`) AND marked = 1`, user)
	if err != nil {
		return fmt.Errorf("failed to unmark messages of %s: %w", user, err)
	}
	return nil
}

func (s *Store) DeleteMarked(ctx context.Context, user string) (int, error) {
	res, err := s.exec(ctx, "delete_marked",
		`DELETE FROM messages WHERE maildrop_id = (`+maildropIDSQL+`) AND marked = 1`, user)
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages of %s: %w", user, err)
	}
	return int(rowsAffected(res)), nil
}

func (s *Store) Listing(ctx context.Context, user string) ([]pop3.ListingEntry, error) {
	rows, err := s.query(ctx, "listing", `
		SELECT m.size, m.uidl, m.marked FROM messages m
		JOIN maildrops d ON d.id = m.maildrop_id
		WHERE d.username = ?1
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

package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/helpers"
	"github.com/migadu/maildrop/pkg/metrics"
	"github.com/migadu/maildrop/server"
	"github.com/migadu/maildrop/server/idgen"
)

var _ server.Manager = (*Store)(nil)

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) CreateAccount(ctx context.Context, username, passwordHash string) error {
	if err := server.ValidateUsername(username); err != nil {
		return err
	}
	_, err := s.exec(ctx, "create_account",
		`INSERT INTO maildrops (username, password, created_at) VALUES (?1, ?2, ?3)`,
		username, passwordHash, time.Now().UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", consts.ErrAccountExists, username)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", username, err)
	}
	return nil
}

func (s *Store) DeleteAccount(ctx context.Context, username string) error {
	res, err := s.exec(ctx, "delete_account", `DELETE FROM maildrops WHERE username = ?1`, username)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", username, err)
	}
	if rowsAffected(res) == 0 {
		return accountNotFound(username)
	}
	return nil
}

func (s *Store) SetPassword(ctx context.Context, username, passwordHash string) error {
	res, err := s.exec(ctx, "set_password",
		`UPDATE maildrops SET password = ?2 WHERE username = ?1`, username, passwordHash)
	if err != nil {
		return fmt.Errorf("failed to set password of %s: %w", username, err)
	}
	if rowsAffected(res) == 0 {
		return accountNotFound(username)
	}
	return nil
}

const accountSelectSQL = `
	SELECT d.username, d.locked, d.locked_at, d.created_at,
		COUNT(m.id),
		COALESCE(SUM(m.marked), 0),
		COALESCE(SUM(CASE WHEN m.marked = 0 THEN m.size END), 0)
	FROM maildrops d
	LEFT JOIN messages m ON m.maildrop_id = d.id`

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (server.Account, error) {
	var acc server.Account
	var lockedAt sql.NullTime
	err := row.Scan(&acc.Username, &acc.Locked, &lockedAt, &acc.CreatedAt,
		&acc.MessageCount, &acc.MarkedCount, &acc.MaildropSize)
	if lockedAt.Valid {
		t := lockedAt.Time
		acc.LockedAt = &t
	}
	return acc, err
}

func (s *Store) GetAccount(ctx context.Context, username string) (*server.Account, error) {
	start := time.Now()
	acc, err := scanAccount(s.db.QueryRowContext(ctx,
		accountSelectSQL+` WHERE d.username = ?1 GROUP BY d.id`, username))
	recordQuery("get_account", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, accountNotFound(username)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", username, err)
	}
	return &acc, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]server.Account, error) {
	rows, err := s.query(ctx, "list_accounts", accountSelectSQL+` GROUP BY d.id ORDER BY d.username`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	accounts := []server.Account{}
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

// AppendMessage stores content inline and returns its position, computed in
// the same transaction as the insert.
func (s *Store) AppendMessage(ctx context.Context, username string, content []byte) (*server.MessageInfo, error) {
	if len(content) == 0 {
		return nil, consts.ErrEmptyMessage
	}

	summary := helpers.SummarizeMessage(content)
	info := &server.MessageInfo{
		UIDL:      idgen.NewUIDL(),
		Size:      int64(len(content)),
		Hash:      helpers.HashContent(content),
		Subject:   helpers.SanitizeHeader(summary.Subject, helpers.MaxHeaderSummaryRunes),
		From:      helpers.SanitizeHeader(summary.From, helpers.MaxHeaderSummaryRunes),
		CreatedAt: time.Now().UTC(),
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var maildropID int64
		err := tx.QueryRowContext(ctx, maildropIDSQL, username).Scan(&maildropID)
		if errors.Is(err, sql.ErrNoRows) {
			return accountNotFound(username)
		}
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (maildrop_id, uidl, content_hash, size, content, subject, from_addr, created_at)
			VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8)`,
			maildropID, info.UIDL, info.Hash, info.Size, content, info.Subject, info.From, info.CreatedAt)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM messages WHERE maildrop_id = ?1 AND id <= ?2`, maildropID, id).Scan(&info.Position)
	})
	if err != nil {
		if errors.Is(err, consts.ErrAccountNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to append message to %s: %w", username, err)
	}

	metrics.MessageSizeBytes.WithLabelValues("append").Observe(float64(info.Size))
	return info, nil
}

const messageColumns = `m.uidl, m.size, m.content_hash, m.subject, m.from_addr, m.marked, m.created_at`

func scanMessage(row scanner, info *server.MessageInfo, extra ...any) error {
	dest := append([]any{&info.UIDL, &info.Size, &info.Hash, &info.Subject, &info.From, &info.Marked, &info.CreatedAt}, extra...)
	return row.Scan(dest...)
}

func (s *Store) ListMessages(ctx context.Context, username string) ([]server.MessageInfo, error) {
	if err := s.requireAccount(ctx, username); err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, "list_messages", `
		SELECT `+messageColumns+` FROM messages m
		JOIN maildrops d ON d.id = m.maildrop_id
		WHERE d.username = ?1
		ORDER BY m.id`, username)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages of %s: %w", username, err)
	}
	defer rows.Close()

	messages := []server.MessageInfo{}
	for rows.Next() {
		info := server.MessageInfo{Position: len(messages) + 1}
		if err := scanMessage(rows, &info); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, info)
	}
	return messages, rows.Err()
}

func (s *Store) GetMessage(ctx context.Context, username string, pos int) (*server.MessageInfo, []byte, error) {
	if err := s.requireAccount(ctx, username); err != nil {
		return nil, nil, err
	}
	if pos < 1 {
		return nil, nil, messageNotFound(username, pos)
	}

	var content []byte
	info := server.MessageInfo{Position: pos}
	start := time.Now()
	err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+`, m.content FROM messages m WHERE m.id = (`+positionSQL+`)`, username, pos),
		&info, &content)
	recordQuery("get_message", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, messageNotFound(username, pos)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read message %d of %s: %w", pos, username, err)
	}
	return &info, content, nil
}

// Stats feeds the metrics collector.
func (s *Store) Stats(ctx context.Context) (*metrics.Stats, error) {
	var stats metrics.Stats
	err := s.queryRow(ctx, "stats", `
		SELECT
			(SELECT COUNT(*) FROM maildrops),
			(SELECT COUNT(*) FROM messages),
			(SELECT COALESCE(SUM(size), 0) FROM messages),
			(SELECT COUNT(*) FROM maildrops WHERE locked = 1)`, nil,
		&stats.TotalAccounts, &stats.TotalMessages, &stats.TotalBytes, &stats.LockedMaildrops)
	if err != nil {
		return nil, fmt.Errorf("failed to collect stats: %w", err)
	}
	return &stats, nil
}

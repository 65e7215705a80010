package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/helpers"
	"github.com/migadu/maildrop/logger"
	"github.com/migadu/maildrop/pkg/metrics"
	"github.com/migadu/maildrop/server"
	"github.com/migadu/maildrop/server/idgen"
)

var _ server.Manager = (*Database)(nil)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (db *Database) CreateAccount(ctx context.Context, username, passwordHash string) error {
	if err := server.ValidateUsername(username); err != nil {
		return err
	}
	_, err := db.TimedExec(ctx, "create_account",
		`INSERT INTO maildrops (username, password) VALUES ($1, $2)`, username, passwordHash)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", consts.ErrAccountExists, username)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", username, err)
	}
	return nil
}

// DeleteAccount removes the maildrop and, through the foreign key, its
// messages. Bodies in object storage are removed afterwards.
func (db *Database) DeleteAccount(ctx context.Context, username string) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT DISTINCT content_hash FROM messages
		WHERE maildrop_id = (`+maildropIDSQL+`) AND content IS NULL`, username)
	if err != nil {
		return fmt.Errorf("failed to list bodies of %s: %w", username, err)
	}
	hashes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("failed to list bodies of %s: %w", username, err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM maildrops WHERE username = $1`, username)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", username, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", consts.ErrAccountNotFound, username)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}

	db.deleteBodies(ctx, username, hashes)
	return nil
}

func (db *Database) SetPassword(ctx context.Context, username, passwordHash string) error {
	tag, err := db.TimedExec(ctx, "set_password",
		`UPDATE maildrops SET password = $2 WHERE username = $1`, username, passwordHash)
	if err != nil {
		return fmt.Errorf("failed to set password of %s: %w", username, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", consts.ErrAccountNotFound, username)
	}
	return nil
}

const accountSelectSQL = `
	SELECT d.username, d.locked, d.locked_at, d.created_at,
		COUNT(m.id),
		COUNT(m.id) FILTER (WHERE m.marked),
		COALESCE(SUM(m.size) FILTER (WHERE NOT m.marked), 0)::BIGINT
	FROM maildrops d
	LEFT JOIN messages m ON m.maildrop_id = d.id`

func scanAccount(row pgx.Row) (server.Account, error) {
	var acc server.Account
	err := row.Scan(&acc.Username, &acc.Locked, &acc.LockedAt, &acc.CreatedAt,
		&acc.MessageCount, &acc.MarkedCount, &acc.MaildropSize)
	return acc, err
}

func (db *Database) GetAccount(ctx context.Context, username string) (*server.Account, error) {
	acc, err := scanAccount(db.TimedQueryRow(ctx, "get_account",
		accountSelectSQL+` WHERE d.username = $1 GROUP BY d.id`, username))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", consts.ErrAccountNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", username, err)
	}
	return &acc, nil
}

func (db *Database) ListAccounts(ctx context.Context) ([]server.Account, error) {
	rows, err := db.TimedQuery(ctx, "list_accounts",
		accountSelectSQL+` GROUP BY d.id ORDER BY d.username`)
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

// AppendMessage stores a new message at the end of the maildrop. With object
// storage configured the body is uploaded first, keyed by its content hash,
// and the row keeps a NULL content column. The maildrop row stays locked
// until commit so DeleteMarked cannot drop a body this append relies on.
func (db *Database) AppendMessage(ctx context.Context, username string, content []byte) (*server.MessageInfo, error) {
	if len(content) == 0 {
		return nil, consts.ErrEmptyMessage
	}

	summary := helpers.SummarizeMessage(content)
	info := &server.MessageInfo{
		UIDL:    idgen.NewUIDL(),
		Size:    int64(len(content)),
		Hash:    helpers.HashContent(content),
		Subject: helpers.SanitizeHeader(summary.Subject, helpers.MaxHeaderSummaryRunes),
		From:    helpers.SanitizeHeader(summary.From, helpers.MaxHeaderSummaryRunes),
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback(ctx)

	maildropID, err := lockMaildrop(ctx, tx, username)
	if err != nil {
		return nil, err
	}

	inline := content
	uploaded := false
	if db.bodies != nil {
		inline = nil
		var shared bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM messages
			WHERE maildrop_id = $1 AND content_hash = $2 AND content IS NULL)`,
			maildropID, info.Hash).Scan(&shared)
		if err != nil {
			return nil, fmt.Errorf("failed to check body references: %w", err)
		}
		if !shared {
			if err := db.bodies.Put(ctx, bodyKey(username, info.Hash), content); err != nil {
				return nil, fmt.Errorf("%w: %v", consts.ErrS3UploadFailed, err)
			}
			uploaded = true
		}
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (maildrop_id, uidl, content_hash, size, content, subject, from_addr)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		maildropID, info.UIDL, info.Hash, info.Size, inline, info.Subject, info.From).Scan(&id, &info.CreatedAt)
	if err == nil {
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM messages WHERE maildrop_id = $1 AND id <= $2`,
			maildropID, id).Scan(&info.Position)
	}
	if err != nil {
		if uploaded {
			// Still under the row lock, so no other message can share the body yet.
			db.deleteBodies(context.WithoutCancel(ctx), username, []string{info.Hash})
		}
		return nil, fmt.Errorf("failed to append message to %s: %w", username, err)
	}
	if err := tx.Commit(ctx); err != nil {
		if uploaded {
			logger.Warn("DB: append failed after upload, body left in object storage", "user", username, "hash", info.Hash)
		}
		return nil, fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}

	metrics.MessageSizeBytes.WithLabelValues("append").Observe(float64(info.Size))
	logger.Debug("DB: message appended", "user", username, "uidl", info.UIDL, "size", info.Size)
	return info, nil
}

const messageSelectSQL = `
	SELECT m.uidl, m.size, m.content_hash, m.subject, m.from_addr, m.marked, m.created_at
	FROM messages m
	JOIN maildrops d ON d.id = m.maildrop_id
	WHERE d.username = $1
	ORDER BY m.id`

func scanMessage(row pgx.Row, pos int) (server.MessageInfo, error) {
	info := server.MessageInfo{Position: pos}
	err := row.Scan(&info.UIDL, &info.Size, &info.Hash, &info.Subject, &info.From, &info.Marked, &info.CreatedAt)
	return info, err
}

func (db *Database) ListMessages(ctx context.Context, username string) ([]server.MessageInfo, error) {
	if err := db.requireAccount(ctx, username); err != nil {
		return nil, err
	}
	rows, err := db.TimedQuery(ctx, "list_messages", messageSelectSQL, username)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages of %s: %w", username, err)
	}
	defer rows.Close()

	messages := []server.MessageInfo{}
	for rows.Next() {
		info, err := scanMessage(rows, len(messages)+1)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, info)
	}
	return messages, rows.Err()
}

func (db *Database) GetMessage(ctx context.Context, username string, pos int) (*server.MessageInfo, []byte, error) {
	if err := db.requireAccount(ctx, username); err != nil {
		return nil, nil, err
	}
	if pos < 1 {
		return nil, nil, fmt.Errorf("%w: %s #%d", consts.ErrMessageNotFound, username, pos)
	}

	var content []byte
	info := server.MessageInfo{Position: pos}
	err := db.TimedQueryRow(ctx, "get_message", `
		SELECT uidl, size, content_hash, subject, from_addr, marked, created_at, content
		FROM messages WHERE id = (`+positionSQL+`)`, username, pos).
		Scan(&info.UIDL, &info.Size, &info.Hash, &info.Subject, &info.From, &info.Marked, &info.CreatedAt, &content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: %s #%d", consts.ErrMessageNotFound, username, pos)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read message %d of %s: %w", pos, username, err)
	}

	if content == nil {
		content, err = db.fetchBody(ctx, username, info.Hash)
		if err != nil {
			return nil, nil, err
		}
	}
	return &info, content, nil
}

// Stats feeds the metrics collector.
func (db *Database) Stats(ctx context.Context) (*metrics.Stats, error) {
	var stats metrics.Stats
	err := db.TimedQueryRow(ctx, "stats", `
		SELECT
			(SELECT COUNT(*) FROM maildrops),
			(SELECT COUNT(*) FROM messages),
			(SELECT COALESCE(SUM(size), 0)::BIGINT FROM messages),
			(SELECT COUNT(*) FROM maildrops WHERE locked)`).
		Scan(&stats.TotalAccounts, &stats.TotalMessages, &stats.TotalBytes, &stats.LockedMaildrops)
	if err != nil {
		return nil, fmt.Errorf("failed to collect stats: %w", err)
	}
	return &stats, nil
}

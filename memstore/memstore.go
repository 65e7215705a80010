// Package memstore is an in-memory maildrop store. It backs the tests and the
// "memory" backend; nothing survives a restart.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/helpers"
	"github.com/migadu/maildrop/pkg/metrics"
	"github.com/migadu/maildrop/pkg/password"
	"github.com/migadu/maildrop/server"
	"github.com/migadu/maildrop/server/idgen"
	"github.com/migadu/maildrop/server/pop3"
)

var ErrClosed = errors.New("memstore: store is closed")

type message struct {
	id        int64
	uidl      string
	hash      string
	content   []byte
	subject   string
	from      string
	marked    bool
	createdAt time.Time
}

type account struct {
	username     string
	passwordHash string
	locked       bool
	lockedAt     *time.Time
	createdAt    time.Time
	messages     []*message // ordered by id
}

// Store keeps every maildrop behind one RWMutex.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*account
	nextID   int64
	closed   bool
}

var (
	_ pop3.MaildropStore  = (*Store)(nil)
	_ pop3.LockAcquirer   = (*Store)(nil)
	_ pop3.MaildropLister = (*Store)(nil)
	_ pop3.SnapshotStore  = (*Store)(nil)
	_ server.Manager      = (*Store)(nil)
)

func New() *Store {
	return &Store{accounts: make(map[string]*account)}
}

// lookup returns the account or ErrAccountNotFound. Callers hold s.mu.
func (s *Store) lookup(user string) (*account, error) {
	if s.closed {
		return nil, ErrClosed
	}
	acc, ok := s.accounts[user]
	if !ok {
		return nil, fmt.Errorf("%w: %s", consts.ErrAccountNotFound, user)
	}
	return acc, nil
}

func (s *Store) messageAt(user string, pos int) (*message, error) {
	acc, err := s.lookup(user)
	if err != nil {
		return nil, err
	}
	if pos < 1 || pos > len(acc.messages) {
		return nil, fmt.Errorf("%w: %s #%d", consts.ErrMessageNotFound, user, pos)
	}
	return acc.messages[pos-1], nil
}

func (s *Store) AccountExists(ctx context.Context, user string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.accounts[user]
	return ok, nil
}

func (s *Store) PasswordMatches(ctx context.Context, user, pass string) (bool, error) {
	s.mu.RLock()
	acc, err := s.lookup(user)
	var hash string
	if err == nil {
		hash = acc.passwordHash
	}
	s.mu.RUnlock()

	if errors.Is(err, consts.ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	// bcrypt is slow; the hash is compared outside the lock.
	err = password.Verify(hash, pass)
	if errors.Is(err, password.ErrMismatch) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to verify password of %s: %w", user, err)
	}
	return true, nil
}

func (s *Store) IsLocked(ctx context.Context, user string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, err := s.lookup(user)
	if err != nil {
		return false, err
	}
	return acc.locked, nil
}

func (s *Store) SetLocked(ctx context.Context, user string, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, err := s.lookup(user)
	if err != nil {
		return err
	}
	setLock(acc, locked)
	return nil
}

func setLock(acc *account, locked bool) {
	acc.locked = locked
	if locked {
		now := time.Now()
		acc.lockedAt = &now
	} else {
		acc.lockedAt = nil
	}
}

// AcquireLock sets the lock flag only if it is clear.
func (s *Store) AcquireLock(ctx context.Context, user string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, err := s.lookup(user)
	if err != nil {
		return false, err
	}
	if acc.locked {
		return false, nil
	}
	setLock(acc, true)
	return true, nil
}

func (s *Store) Unlock(ctx context.Context, user string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, err := s.lookup(user)
	if err != nil {
		return false, err
	}
	was := acc.locked
	setLock(acc, false)
	return was, nil
}

func (s *Store) UnlockAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, acc := range s.accounts {
		if acc.locked {
			setLock(acc, false)
			n++
		}
	}
	return n, nil
}

func (s *Store) MessageCount(ctx context.Context, user string, includeMarked bool) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, err := s.lookup(user)
	if err != nil {
		return 0, err
	}
	if includeMarked {
		return len(acc.messages), nil
	}
	n := 0
	for _, m := range acc.messages {
		if !m.marked {
			n++
		}
	}
	return n, nil
}

func (s *Store) MaildropSize(ctx context.Context, user string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, err := s.lookup(user)
	if err != nil {
		return 0, err
	}
	var size int64
	for _, m := range acc.messages {
		if !m.marked {
			size += int64(len(m.content))
		}
	}
	return size, nil
}

func (s *Store) LastMessageID(ctx context.Context, user string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, err := s.lookup(user)
	if err != nil {
		return 0, err
	}
	if len(acc.messages) == 0 {
		return 0, nil
	}
	return acc.messages[len(acc.messages)-1].id, nil
}

func (s *Store) MessageCountUpTo(ctx context.Context, user string, maxID int64, includeMarked bool) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, err := s.lookup(user)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range acc.messages {
		if m.id <= maxID && (includeMarked || !m.marked) {
			n++
		}
	}
	return n, nil
}

func (s *Store) MaildropSizeUpTo(ctx context.Context, user string, maxID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, err := s.lookup(user)
	if err != nil {
		return 0, err
	}
	var size int64
	for _, m := range acc.messages {
		if m.id <= maxID && !m.marked {
			size += int64(len(m.content))
		}
	}
	return size, nil
}

func (s *Store) MessageSize(ctx context.Context, user string, pos int) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.messageAt(user, pos)
	if err != nil {
		return 0, err
	}
	return int64(len(m.content)), nil
}

func (s *Store) MessageExists(ctx context.Context, user string, pos int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.messageAt(user, pos)
	if errors.Is(err, consts.ErrMessageNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !m.marked, nil
}

func (s *Store) MarkMessage(ctx context.Context, user string, pos int, marked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.messageAt(user, pos)
	if err != nil {
		return err
	}
	m.marked = marked
	return nil
}

func (s *Store) IsMarked(ctx context.Context, user string, pos int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.messageAt(user, pos)
	if errors.Is(err, consts.ErrMessageNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.marked, nil
}

func (s *Store) MessageContent(ctx context.Context, user string, pos int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.messageAt(user, pos)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(m.content))
	copy(out, m.content)
	return out, nil
}

func (s *Store) MessageUID(ctx context.Context, user string, pos int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.messageAt(user, pos)
	if err != nil {
		return "", err
	}
	return m.uidl, nil
}

func (s *Store) UnmarkAll(ctx context.Context, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, err := s.lookup(user)
	if err != nil {
		return err
	}
	for _, m := range acc.messages {
		m.marked = false
	}
	return nil
}

func (s *Store) DeleteMarked(ctx context.Context, user string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, err := s.lookup(user)
	if err != nil {
		return 0, err
	}
	kept := acc.messages[:0]
	removed := 0
	for _, m := range acc.messages {
		if m.marked {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(acc.messages); i++ {
		acc.messages[i] = nil
	}
	acc.messages = kept
	return removed, nil
}

func (s *Store) Listing(ctx context.Context, user string) ([]pop3.ListingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, err := s.lookup(user)
	if err != nil {
		return nil, err
	}
	entries := make([]pop3.ListingEntry, len(acc.messages))
	for i, m := range acc.messages {
		entries[i] = pop3.ListingEntry{
			Position: i + 1,
			Size:     int64(len(m.content)),
			UIDL:     m.uidl,
			Marked:   m.marked,
		}
	}
	return entries, nil
}

func (s *Store) CreateAccount(ctx context.Context, username, passwordHash string) error {
	if err := server.ValidateUsername(username); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.accounts[username]; ok {
		return fmt.Errorf("%w: %s", consts.ErrAccountExists, username)
	}
	s.accounts[username] = &account{
		username:     username,
		passwordHash: passwordHash,
		createdAt:    time.Now(),
	}
	return nil
}

func (s *Store) DeleteAccount(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(username); err != nil {
		return err
	}
	delete(s.accounts, username)
	return nil
}

func (s *Store) SetPassword(ctx context.Context, username, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, err := s.lookup(username)
	if err != nil {
		return err
	}
	acc.passwordHash = passwordHash
	return nil
}

func (s *Store) GetAccount(ctx context.Context, username string) (*server.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, err := s.lookup(username)
	if err != nil {
		return nil, err
	}
	info := accountInfo(acc)
	return &info, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]server.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]server.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, accountInfo(acc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func accountInfo(acc *account) server.Account {
	info := server.Account{
		Username:     acc.username,
		Locked:       acc.locked,
		CreatedAt:    acc.createdAt,
		MessageCount: len(acc.messages),
	}
	if acc.lockedAt != nil {
		t := *acc.lockedAt
		info.LockedAt = &t
	}
	for _, m := range acc.messages {
		if m.marked {
			info.MarkedCount++
		} else {
			info.MaildropSize += int64(len(m.content))
		}
	}
	return info
}

func (s *Store) AppendMessage(ctx context.Context, username string, content []byte) (*server.MessageInfo, error) {
	if len(content) == 0 {
		return nil, consts.ErrEmptyMessage
	}
	summary := helpers.SummarizeMessage(content)
	stored := make([]byte, len(content))
	copy(stored, content)

	s.mu.Lock()
	defer s.mu.Unlock()
	acc, err := s.lookup(username)
	if err != nil {
		return nil, err
	}
	s.nextID++
	m := &message{
		id:        s.nextID,
		uidl:      idgen.NewUIDL(),
		hash:      helpers.HashContent(stored),
		content:   stored,
		subject:   helpers.SanitizeHeader(summary.Subject, helpers.MaxHeaderSummaryRunes),
		from:      helpers.SanitizeHeader(summary.From, helpers.MaxHeaderSummaryRunes),
		createdAt: time.Now(),
	}
	acc.messages = append(acc.messages, m)
	info := messageInfo(len(acc.messages), m)
	return &info, nil
}

func (s *Store) ListMessages(ctx context.Context, username string) ([]server.MessageInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, err := s.lookup(username)
	if err != nil {
		return nil, err
	}
	out := make([]server.MessageInfo, len(acc.messages))
	for i, m := range acc.messages {
		out[i] = messageInfo(i+1, m)
	}
	return out, nil
}

func (s *Store) GetMessage(ctx context.Context, username string, pos int) (*server.MessageInfo, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.messageAt(username, pos)
	if err != nil {
		return nil, nil, err
	}
	info := messageInfo(pos, m)
	content := make([]byte, len(m.content))
	copy(content, m.content)
	return &info, content, nil
}

func messageInfo(pos int, m *message) server.MessageInfo {
	return server.MessageInfo{
		Position:  pos,
		UIDL:      m.uidl,
		Size:      int64(len(m.content)),
		Hash:      m.hash,
		Subject:   m.subject,
		From:      m.from,
		Marked:    m.marked,
		CreatedAt: m.createdAt,
	}
}

// Stats feeds the metrics collector.
func (s *Store) Stats(ctx context.Context) (*metrics.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	stats := &metrics.Stats{TotalAccounts: int64(len(s.accounts))}
	for _, acc := range s.accounts {
		stats.TotalMessages += int64(len(acc.messages))
		for _, m := range acc.messages {
			stats.TotalBytes += int64(len(m.content))
		}
		if acc.locked {
			stats.LockedMaildrops++
		}
	}
	return stats, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close makes every later call fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

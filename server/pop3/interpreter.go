package pop3

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/logger"
	"github.com/migadu/maildrop/pkg/metrics"
)

var knownVerbs = map[string]struct{}{
	"USER": {}, "PASS": {}, "QUIT": {}, "STAT": {}, "LIST": {}, "RETR": {},
	"DELE": {}, "NOOP": {}, "RSET": {}, "TOP": {}, "UIDL": {},
}

// command is one parsed client line.
type command struct {
	verb   string // upper-cased
	arg    string // everything after the first space
	hasArg bool   // a space followed the verb, even if arg is empty
	input  string // the line without its terminator, echoed back
}

func parseCommand(line string) command {
	input := strings.TrimRight(line, "\r\n")
	verb, arg, hasArg := strings.Cut(input, " ")
	return command{
		verb:   strings.ToUpper(verb),
		arg:    arg,
		hasArg: hasArg,
		input:  input,
	}
}

func (c command) fail(kind ErrorKind) string {
	return kind.String() + " " + c.input
}

func (c command) ok(status string) string {
	return status + " " + c.input
}

// parseNumber accepts the same optionally signed 32-bit decimal integers for
// message numbers and line counts.
func parseNumber(s string) (int, bool) {
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return int(n), true
}

// Interpreter is the per-connection POP3 state machine. It is not safe for
// concurrent use; a session feeds it one line at a time.
type Interpreter struct {
	store    MaildropStore
	state    State
	username string
	finished bool // set by a QUIT that ends the session
	released bool // set once cleanup returned the maildrop

	// Messages delivered after PASS are outside the session: positions
	// above snapshotCount are not found and counts stop at snapshotID.
	snapshot      SnapshotStore
	snapshotID    int64
	snapshotCount int
}

// NewInterpreter returns an interpreter in the AUTHORIZATION state.
func NewInterpreter(store MaildropStore) *Interpreter {
	return &Interpreter{store: store, state: StateAuthorization}
}

// State returns the current session state.
func (c *Interpreter) State() State { return c.state }

// Username returns the maildrop named by the last successful USER.
func (c *Interpreter) Username() string { return c.username }

// Finished reports whether QUIT has ended the session.
func (c *Interpreter) Finished() bool { return c.finished }

// Handle interprets one command line and returns the response without the
// final CRLF. Multi-line responses use CRLF internally and end with ".".
func (c *Interpreter) Handle(ctx context.Context, line string) string {
	cmd := parseCommand(line)
	start := time.Now()

	resp := c.dispatch(ctx, cmd)

	label := cmd.verb
	if _, ok := knownVerbs[label]; !ok {
		label = "UNKNOWN"
	}
	status := "success"
	if strings.HasPrefix(resp, "-ERR") {
		status = "failure"
	}
	metrics.CommandsTotal.WithLabelValues(consts.ProtocolPOP3, label, status).Inc()
	metrics.CommandDuration.WithLabelValues(consts.ProtocolPOP3, label).Observe(time.Since(start).Seconds())

	return resp
}

func (c *Interpreter) dispatch(ctx context.Context, cmd command) string {
	switch cmd.verb {
	case "USER":
		return c.user(ctx, cmd)
	case "PASS":
		return c.pass(ctx, cmd)
	case "QUIT":
		return c.quit(ctx, cmd)
	case "STAT":
		return c.stat(ctx, cmd)
	case "LIST":
		return c.list(ctx, cmd)
	case "RETR":
		return c.retr(ctx, cmd)
	case "DELE":
		return c.dele(ctx, cmd)
	case "NOOP":
		return c.noop(cmd)
	case "RSET":
		return c.rset(ctx, cmd)
	case "TOP":
		return c.top(ctx, cmd)
	case "UIDL":
		return c.uidl(ctx, cmd)
	default:
		return cmd.fail(ErrInvalidCommand)
	}
}

func (c *Interpreter) storeFailure(cmd command, err error) string {
	logger.Warn("POP3: store call failed", "command", cmd.verb, "user", c.username, "state", c.state, "error", err)
	return cmd.fail(ErrStoreFailure)
}

func (c *Interpreter) user(ctx context.Context, cmd command) string {
	if c.state != StateAuthorization {
		return cmd.fail(ErrInvalidInState)
	}
	if !cmd.hasArg || strings.Contains(cmd.arg, " ") {
		return cmd.fail(ErrIncorrectNumArgs)
	}

	exists, err := c.store.AccountExists(ctx, cmd.arg)
	if err != nil {
		return c.storeFailure(cmd, err)
	}
	if !exists {
		return cmd.fail(ErrUserNotFound)
	}

	locked, err := c.store.IsLocked(ctx, cmd.arg)
	if err != nil {
		return c.storeFailure(cmd, err)
	}
	if locked {
		return cmd.fail(ErrUserLocked)
	}

	c.username = cmd.arg
	return cmd.ok(replyUserOK)
}

func (c *Interpreter) pass(ctx context.Context, cmd command) string {
	if c.state != StateAuthorization {
		return cmd.fail(ErrInvalidInState)
	}
	if !cmd.hasArg {
		return cmd.fail(ErrIncorrectNumArgs)
	}
	if c.username == "" {
		return cmd.fail(ErrUserCommandNotSent)
	}

	match, err := c.store.PasswordMatches(ctx, c.username, cmd.arg)
	if err != nil {
		return c.storeFailure(cmd, err)
	}
	if !match {
		metrics.AuthenticationAttempts.WithLabelValues(consts.ProtocolPOP3, "failure").Inc()
		return cmd.fail(ErrPasswordIncorrect)
	}

	acquired, err := c.acquireLock(ctx)
	if err != nil {
		return c.storeFailure(cmd, err)
	}
	if !acquired {
		metrics.AuthenticationAttempts.WithLabelValues(consts.ProtocolPOP3, "locked").Inc()
		return cmd.fail(ErrUserLocked)
	}
	if err := c.takeSnapshot(ctx); err != nil {
		if unlockErr := c.store.SetLocked(ctx, c.username, false); unlockErr != nil {
			logger.Error("POP3: failed to release maildrop after login failure", "user", c.username, "error", unlockErr)
		}
		return c.storeFailure(cmd, err)
	}

	c.state = StateTransaction
	metrics.AuthenticationAttempts.WithLabelValues(consts.ProtocolPOP3, "success").Inc()
	return cmd.ok(replyPasswordOK)
}

func (c *Interpreter) acquireLock(ctx context.Context) (bool, error) {
	if la, ok := c.store.(LockAcquirer); ok {
		return la.AcquireLock(ctx, c.username)
	}
	if err := c.store.SetLocked(ctx, c.username, true); err != nil {
		return false, err
	}
	return true, nil
}

// takeSnapshot records which messages belong to the session.
func (c *Interpreter) takeSnapshot(ctx context.Context) error {
	ss, ok := c.store.(SnapshotStore)
	if !ok {
		n, err := c.store.MessageCount(ctx, c.username, true)
		c.snapshotCount = n
		return err
	}
	id, err := ss.LastMessageID(ctx, c.username)
	if err != nil {
		return err
	}
	n, err := ss.MessageCountUpTo(ctx, c.username, id, true)
	if err != nil {
		return err
	}
	c.snapshot, c.snapshotID, c.snapshotCount = ss, id, n
	return nil
}

func (c *Interpreter) messageCount(ctx context.Context, includeMarked bool) (int, error) {
	if c.snapshot != nil {
		return c.snapshot.MessageCountUpTo(ctx, c.username, c.snapshotID, includeMarked)
	}
	return c.store.MessageCount(ctx, c.username, includeMarked)
}

func (c *Interpreter) maildropSize(ctx context.Context) (int64, error) {
	if c.snapshot != nil {
		return c.snapshot.MaildropSizeUpTo(ctx, c.username, c.snapshotID)
	}
	return c.store.MaildropSize(ctx, c.username)
}

func (c *Interpreter) inSnapshot(pos int) bool {
	return pos >= 1 && pos <= c.snapshotCount
}

func (c *Interpreter) quit(ctx context.Context, cmd command) string {
	if cmd.hasArg {
		return cmd.fail(ErrIncorrectNumArgs)
	}

	switch c.state {
	case StateAuthorization:
		c.finished = true
		return cmd.ok(replyQuitOK)
	case StateTransaction:
		c.state = StateUpdate
		c.finished = true
		removed, ok := c.finalize(ctx)
		if !ok {
			return cmd.fail(ErrQuit)
		}
		return cmd.ok(replyDeleted(removed))
	default:
		return cmd.fail(ErrInvalidInState)
	}
}

// finalize removes the marked messages and releases the lock when the store
// removed exactly the messages that were marked. On any mismatch or store
// error the lock stays held; the startup sweep or an admin unlock clears it.
func (c *Interpreter) finalize(ctx context.Context) (int, bool) {
	before, err := c.messageCount(ctx, true)
	if err != nil {
		return c.finalizeFailed("count", err)
	}
	unmarked, err := c.messageCount(ctx, false)
	if err != nil {
		return c.finalizeFailed("count", err)
	}
	marked := before - unmarked

	removed, err := c.store.DeleteMarked(ctx, c.username)
	if err != nil {
		return c.finalizeFailed("delete", err)
	}
	after, err := c.messageCount(ctx, true)
	if err != nil {
		return c.finalizeFailed("count", err)
	}

	if removed != before-after || removed != marked {
		metrics.FinalizationsTotal.WithLabelValues("mismatch").Inc()
		logger.Warn("POP3: finalization mismatch, maildrop stays locked", "user", c.username,
			"marked", marked, "removed", removed, "before", before, "after", after)
		return removed, false
	}

	if err := c.store.SetLocked(ctx, c.username, false); err != nil {
		logger.Error("POP3: failed to release maildrop after finalization", "user", c.username, "error", err)
	}
	metrics.FinalizationsTotal.WithLabelValues("success").Inc()
	metrics.MessagesDeletedTotal.Add(float64(removed))
	return removed, true
}

func (c *Interpreter) finalizeFailed(step string, err error) (int, bool) {
	metrics.FinalizationsTotal.WithLabelValues("error").Inc()
	logger.Error("POP3: finalization failed, maildrop stays locked", "user", c.username, "step", step, "error", err)
	return 0, false
}

func (c *Interpreter) stat(ctx context.Context, cmd command) string {
	if c.state != StateTransaction {
		return cmd.fail(ErrInvalidInState)
	}
	if cmd.hasArg {
		return cmd.fail(ErrIncorrectNumArgs)
	}

	count, err := c.messageCount(ctx, false)
	if err != nil {
		return c.storeFailure(cmd, err)
	}
	size, err := c.maildropSize(ctx)
	if err != nil {
		return c.storeFailure(cmd, err)
	}
	return fmt.Sprintf("+OK %d %d", count, size)
}

// listing returns the unmarked messages of the session in position order.
func (c *Interpreter) listing(ctx context.Context, withUIDL bool) ([]ListingEntry, error) {
	if lister, ok := c.store.(MaildropLister); ok {
		all, err := lister.Listing(ctx, c.username)
		if err != nil {
			return nil, err
		}
		entries := make([]ListingEntry, 0, len(all))
		for _, e := range all {
			if !e.Marked && c.inSnapshot(e.Position) {
				entries = append(entries, e)
			}
		}
		return entries, nil
	}

	var entries []ListingEntry
	for pos := 1; pos <= c.snapshotCount; pos++ {
		marked, err := c.store.IsMarked(ctx, c.username, pos)
		if err != nil {
			return nil, err
		}
		if marked {
			continue
		}
		entry := ListingEntry{Position: pos}
		if entry.Size, err = c.store.MessageSize(ctx, c.username, pos); err != nil {
			return nil, err
		}
		if withUIDL {
			if entry.UIDL, err = c.store.MessageUID(ctx, c.username, pos); err != nil {
				return nil, err
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func listingHeader(entries []ListingEntry) string {
	var size int64
	for _, e := range entries {
		size += e.Size
	}
	return fmt.Sprintf("+OK %d (%d)", len(entries), size)
}

// visible reports whether pos names a message that exists and is unmarked.
func (c *Interpreter) visible(ctx context.Context, pos int) (bool, error) {
	if !c.inSnapshot(pos) {
		return false, nil
	}
	marked, err := c.store.IsMarked(ctx, c.username, pos)
	if err != nil || marked {
		return false, err
	}
	return c.store.MessageExists(ctx, c.username, pos)
}

func (c *Interpreter) list(ctx context.Context, cmd command) string {
	if c.state != StateTransaction {
		return cmd.fail(ErrInvalidInState)
	}
	if strings.Contains(cmd.arg, " ") {
		return cmd.fail(ErrTooManyArgs)
	}

	if !cmd.hasArg {
		entries, err := c.listing(ctx, false)
		if err != nil {
			return c.storeFailure(cmd, err)
		}
		lines := make([]string, len(entries))
		for i, e := range entries {
			lines[i] = fmt.Sprintf("%d %d", e.Position, e.Size)
		}
		return multiline(listingHeader(entries), lines)
	}

	pos, ok := parseNumber(cmd.arg)
	if !ok {
		return cmd.fail(ErrInvalidArgType)
	}
	found, err := c.visible(ctx, pos)
	if err != nil {
		return c.storeFailure(cmd, err)
	}
	if !found {
		return cmd.fail(ErrMessageNotFound)
	}
	size, err := c.store.MessageSize(ctx, c.username, pos)
	if err != nil {
		return c.storeFailure(cmd, err)
	}
	return fmt.Sprintf("+OK %d %d", pos, size)
}

func (c *Interpreter) uidl(ctx context.Context, cmd command) string {
	if c.state != StateTransaction {
		return cmd.fail(ErrInvalidInState)
	}
	if strings.Contains(cmd.arg, " ") {
		return cmd.fail(ErrTooManyArgs)
	}

	if !cmd.hasArg {
		entries, err := c.listing(ctx, true)
		if err != nil {
			return c.storeFailure(cmd, err)
		}
		lines := make([]string, len(entries))
		for i, e := range entries {
			lines[i] = fmt.Sprintf("%d %s", e.Position, e.UIDL)
		}
		return multiline(listingHeader(entries), lines)
	}

	pos, ok := parseNumber(cmd.arg)
	if !ok {
		return cmd.fail(ErrInvalidArgType)
	}
	found, err := c.visible(ctx, pos)
	if err != nil {
		return c.storeFailure(cmd, err)
	}
	if !found {
		return cmd.fail(ErrMessageNotFound)
	}
	uid, err := c.store.MessageUID(ctx, c.username, pos)
	if err != nil {
		return c.storeFailure(cmd, err)
	}
	return fmt.Sprintf("+OK %d %s", pos, uid)
}

// checkMessage applies the marked-then-exists checks shared by RETR, DELE
// and TOP. It returns an empty string when the message can be used.
func (c *Interpreter) checkMessage(ctx context.Context, cmd command, pos int) string {
	if !c.inSnapshot(pos) {
		return cmd.fail(ErrMessageNotFound)
	}
	marked, err := c.store.IsMarked(ctx, c.username, pos)
	if err != nil {
		return c.storeFailure(cmd, err)
	}
	if marked {
		return cmd.fail(ErrMessageAlreadyDeleted)
	}
	exists, err := c.store.MessageExists(ctx, c.username, pos)
	if err != nil {
		return c.storeFailure(cmd, err)
	}
	if !exists {
		return cmd.fail(ErrMessageNotFound)
	}
	return ""
}

// singleMessageArg validates the one numeric argument of RETR and DELE.
func singleMessageArg(cmd command) (int, string) {
	if !cmd.hasArg || strings.Contains(cmd.arg, " ") {
		return 0, cmd.fail(ErrIncorrectNumArgs)
	}
	pos, ok := parseNumber(cmd.arg)
	if !ok {
		return 0, cmd.fail(ErrInvalidArgType)
	}
	return pos, ""
}

func (c *Interpreter) retr(ctx context.Context, cmd command) string {
	if c.state != StateTransaction {
		return cmd.fail(ErrInvalidInState)
	}
	pos, resp := singleMessageArg(cmd)
	if resp != "" {
		return resp
	}
	if resp := c.checkMessage(ctx, cmd, pos); resp != "" {
		return resp
	}

	size, err := c.store.MessageSize(ctx, c.username, pos)
	if err != nil {
		return c.storeFailure(cmd, err)
	}
	content, err := c.store.MessageContent(ctx, c.username, pos)
	if err != nil {
		return c.storeFailure(cmd, err)
	}
	metrics.MessageSizeBytes.WithLabelValues("retrieve").Observe(float64(size))
	return multiline(fmt.Sprintf("+OK %d octets", size), splitLines(content))
}

func (c *Interpreter) dele(ctx context.Context, cmd command) string {
	if c.state != StateTransaction {
		return cmd.fail(ErrInvalidInState)
	}
	pos, resp := singleMessageArg(cmd)
	if resp != "" {
		return resp
	}
	if resp := c.checkMessage(ctx, cmd, pos); resp != "" {
		return resp
	}

	if err := c.store.MarkMessage(ctx, c.username, pos, true); err != nil {
		return c.storeFailure(cmd, err)
	}
	return cmd.ok(replyMarked)
}

func (c *Interpreter) noop(cmd command) string {
	if c.state != StateTransaction {
		return cmd.fail(ErrInvalidInState)
	}
	if cmd.hasArg {
		return cmd.fail(ErrIncorrectNumArgs)
	}
	return cmd.ok(replyNoopOK)
}

func (c *Interpreter) rset(ctx context.Context, cmd command) string {
	if c.state != StateTransaction {
		return cmd.fail(ErrInvalidInState)
	}
	if cmd.hasArg {
		return cmd.fail(ErrIncorrectNumArgs)
	}
	if err := c.store.UnmarkAll(ctx, c.username); err != nil {
		return c.storeFailure(cmd, err)
	}
	return cmd.ok(replyResetOK)
}

func (c *Interpreter) top(ctx context.Context, cmd command) string {
	if c.state != StateTransaction {
		return cmd.fail(ErrInvalidInState)
	}
	if !cmd.hasArg {
		return cmd.fail(ErrTooFewArgs)
	}
	args := strings.Split(cmd.arg, " ")
	if len(args) != 2 {
		return cmd.fail(ErrIncorrectNumArgs)
	}
	pos, ok := parseNumber(args[0])
	if !ok {
		return cmd.fail(ErrInvalidArgType)
	}
	n, ok := parseNumber(args[1])
	if !ok {
		return cmd.fail(ErrInvalidArgType)
	}
	if resp := c.checkMessage(ctx, cmd, pos); resp != "" {
		return resp
	}
	if n < 0 {
		return cmd.fail(ErrInvalidArgVal)
	}

	content, err := c.store.MessageContent(ctx, c.username, pos)
	if err != nil {
		return c.storeFailure(cmd, err)
	}
	return multiline("+OK", topOfMessage(content, n))
}

// Cleanup returns the maildrop of a session that leaves TRANSACTION without
// QUIT: every mark is cleared and the lock released. It does nothing in any
// other state and runs at most once.
func (c *Interpreter) Cleanup(ctx context.Context) (bool, error) {
	if c.state != StateTransaction || c.released {
		return false, nil
	}
	c.released = true

	unmarkErr := c.store.UnmarkAll(ctx, c.username)
	// The lock is released even when unmarking failed.
	if err := c.store.SetLocked(ctx, c.username, false); err != nil {
		return true, fmt.Errorf("failed to unlock maildrop %s: %w", c.username, err)
	}
	if unmarkErr != nil {
		return true, fmt.Errorf("failed to unmark messages of %s: %w", c.username, unmarkErr)
	}
	return true, nil
}

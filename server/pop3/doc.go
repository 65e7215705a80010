// Package pop3 implements the server side of the POP3 retrieval protocol
// (RFC 1939) on top of a MaildropStore.
//
// # Server States
//
//	AUTHORIZATION → TRANSACTION → UPDATE
//
// USER and PASS move a session from AUTHORIZATION to TRANSACTION and take the
// maildrop's exclusive lock. QUIT in TRANSACTION enters UPDATE, removes the
// messages marked with DELE and releases the lock.
//
// # Components
//
//   - Interpreter: parses one command line, validates it against the session
//     state and returns the exact response text.
//   - POP3Session: drives one connection, enforces the inactivity timeout and
//     runs compensating cleanup (unmark all, unlock) when a client leaves
//     TRANSACTION without QUIT.
//   - POP3Server: unlocks every maildrop at startup, accepts connections and
//     drains sessions on Close.
//
// # Starting a POP3 Server
//
//	srv, err := pop3.New(ctx, "default", ":110", store, pop3.POP3ServerOptions{
//		IdleTimeout:    10 * time.Minute,
//		MaxConnections: 500,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	go srv.Start(errChan)
//	defer srv.Close()
//
// # Response Echo
//
// Error responses and single-line status responses (USER, PASS, QUIT, DELE,
// NOOP, RSET) repeat the client's command line after the status text.
// Responses that carry data (STAT, LIST, RETR, TOP, UIDL) do not.
package pop3

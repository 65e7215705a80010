package main

import (
	"context"
	"fmt"
	"io"
)

// handleUnlock clears one lock, or every lock with --all. It is the manual
// recovery after a QUIT whose finalization failed.
func handleUnlock(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("unlock", out)
	all := fs.Bool("all", false, "Unlock every maildrop")
	fs.Usage = func() {
		fmt.Fprintln(out, "Usage: maildrop-admin unlock [--config config.toml] <username> | --all")
		fmt.Fprintln(out, "Do not unlock a maildrop that a live POP3 session is using.")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *all == (fs.NArg() == 1) || fs.NArg() > 1 {
		fs.Usage()
		return fmt.Errorf("give either one username or --all")
	}

	store, err := openStore(ctx, *configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if *all {
		n, err := store.UnlockAll(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d maildrops unlocked\n", n)
		return nil
	}

	username := fs.Arg(0)
	unlocked, err := store.Unlock(ctx, username)
	if err != nil {
		return err
	}
	if unlocked {
		fmt.Fprintf(out, "Maildrop %s unlocked\n", username)
	} else {
		fmt.Fprintf(out, "Maildrop %s was not locked\n", username)
	}
	return nil
}

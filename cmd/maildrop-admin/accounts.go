package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/migadu/maildrop/pkg/password"
)

func handleAccountsCommand(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		printAccountsUsage(out)
		return fmt.Errorf("missing accounts subcommand")
	}

	switch args[0] {
	case "add":
		return handleAccountAdd(ctx, args[1:], out)
	case "passwd":
		return handleAccountPasswd(ctx, args[1:], out)
	case "delete":
		return handleAccountDelete(ctx, args[1:], out)
	case "show":
		return handleAccountShow(ctx, args[1:], out)
	case "list":
		return handleAccountList(ctx, args[1:], out)
	case "help", "--help", "-h":
		printAccountsUsage(out)
		return nil
	default:
		printAccountsUsage(out)
		return fmt.Errorf("unknown accounts subcommand: %s", args[0])
	}
}

func printAccountsUsage(w io.Writer) {
	fmt.Fprint(w, `Account management

Usage:
  maildrop-admin accounts add    --username NAME --password PASS [--scheme bcrypt]
  maildrop-admin accounts passwd --username NAME --password PASS [--scheme bcrypt]
  maildrop-admin accounts delete --username NAME
  maildrop-admin accounts show   --username NAME [--json]
  maildrop-admin accounts list   [--json]

Password schemes: bcrypt, ssha512, sha512, plain.
`)
}

func handleAccountAdd(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("accounts add", out)
	username := fs.String("username", "", "Maildrop name, as sent with USER (required)")
	pass := fs.String("password", "", "Password (required)")
	scheme := fs.String("scheme", password.SchemeBcrypt, "Password hash scheme")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" || *pass == "" {
		return fmt.Errorf("--username and --password are required")
	}

	hash, err := password.Hash(*scheme, *pass)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, *configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.CreateAccount(ctx, *username, hash); err != nil {
		return fmt.Errorf("failed to create account %s: %w", *username, err)
	}
	fmt.Fprintf(out, "Account %s created\n", *username)
	return nil
}

func handleAccountPasswd(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("accounts passwd", out)
	username := fs.String("username", "", "Maildrop name (required)")
	pass := fs.String("password", "", "New password (required)")
	scheme := fs.String("scheme", password.SchemeBcrypt, "Password hash scheme")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" || *pass == "" {
		return fmt.Errorf("--username and --password are required")
	}

	hash, err := password.Hash(*scheme, *pass)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, *configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SetPassword(ctx, *username, hash); err != nil {
		return fmt.Errorf("failed to set password of %s: %w", *username, err)
	}
	fmt.Fprintf(out, "Password of %s updated\n", *username)
	return nil
}

func handleAccountDelete(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("accounts delete", out)
	username := fs.String("username", "", "Maildrop name (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" {
		return fmt.Errorf("--username is required")
	}

	store, err := openStore(ctx, *configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.DeleteAccount(ctx, *username); err != nil {
		return fmt.Errorf("failed to delete account %s: %w", *username, err)
	}
	fmt.Fprintf(out, "Account %s and its messages deleted\n", *username)
	return nil
}

func handleAccountShow(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("accounts show", out)
	username := fs.String("username", "", "Maildrop name (required)")
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" {
		return fmt.Errorf("--username is required")
	}

	store, err := openStore(ctx, *configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	account, err := store.GetAccount(ctx, *username)
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(out, account)
	}

	fmt.Fprintf(out, "Username:  %s\n", account.Username)
	fmt.Fprintf(out, "Created:   %s\n", account.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Messages:  %d (%d marked)\n", account.MessageCount, account.MarkedCount)
	fmt.Fprintf(out, "Size:      %s\n", formatBytes(account.MaildropSize))
	if account.Locked {
		locked := "yes"
		if account.LockedAt != nil {
			locked = fmt.Sprintf("yes, since %s (%s ago)", account.LockedAt.Format(time.RFC3339),
				formatDuration(time.Since(*account.LockedAt)))
		}
		fmt.Fprintf(out, "Locked:    %s\n", locked)
	} else {
		fmt.Fprintln(out, "Locked:    no")
	}
	return nil
}

func handleAccountList(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("accounts list", out)
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore(ctx, *configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(out, accounts)
	}
	if len(accounts) == 0 {
		fmt.Fprintln(out, "No accounts.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "USERNAME\tMESSAGES\tMARKED\tSIZE\tLOCKED")
	for _, a := range accounts {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%t\n", a.Username, a.MessageCount, a.MarkedCount, formatBytes(a.MaildropSize), a.Locked)
	}
	return tw.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/migadu/maildrop/helpers"
)

func handleMessagesCommand(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		printMessagesUsage(out)
		return fmt.Errorf("missing messages subcommand")
	}

	switch args[0] {
	case "add":
		return handleMessageAdd(ctx, args[1:], out)
	case "list":
		return handleMessageList(ctx, args[1:], out)
	case "show":
		return handleMessageShow(ctx, args[1:], out)
	case "help", "--help", "-h":
		printMessagesUsage(out)
		return nil
	default:
		printMessagesUsage(out)
		return fmt.Errorf("unknown messages subcommand: %s", args[0])
	}
}

func printMessagesUsage(w io.Writer) {
	fmt.Fprint(w, `Message inspection

Usage:
  maildrop-admin messages add  --username NAME --file PATH   (use - for stdin)
  maildrop-admin messages list --username NAME [--json]
  maildrop-admin messages show --username NAME --position N [--text]

Positions are 1-based and include messages marked for deletion.
`)
}

func handleMessageAdd(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("messages add", out)
	username := fs.String("username", "", "Maildrop name (required)")
	file := fs.String("file", "-", "RFC 5322 message file, - for stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" {
		return fmt.Errorf("--username is required")
	}

	var content []byte
	var err error
	if *file == "-" {
		content, err = io.ReadAll(os.Stdin)
	} else {
		content, err = os.ReadFile(*file)
	}
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	store, err := openStore(ctx, *configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	info, err := store.AppendMessage(ctx, *username, content)
	if err != nil {
		return fmt.Errorf("failed to append message to %s: %w", *username, err)
	}
	fmt.Fprintf(out, "Message %d appended to %s (uidl %s, %s)\n", info.Position, *username, info.UIDL, formatBytes(info.Size))
	return nil
}

func handleMessageList(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("messages list", out)
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

	messages, err := store.ListMessages(ctx, *username)
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(out, messages)
	}
	if len(messages) == 0 {
		fmt.Fprintf(out, "Maildrop %s is empty.\n", *username)
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "POS\tUIDL\tSIZE\tMARKED\tFROM\tSUBJECT")
	for _, m := range messages {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\t%s\n", m.Position, m.UIDL, formatBytes(m.Size), m.Marked,
			truncate(m.From, 32), truncate(m.Subject, 48))
	}
	return tw.Flush()
}

func handleMessageShow(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath := newFlagSet("messages show", out)
	username := fs.String("username", "", "Maildrop name (required)")
	position := fs.Int("position", 0, "Message position (required)")
	text := fs.Bool("text", false, "Print the plain text body instead of the raw message")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *username == "" || *position < 1 {
		return fmt.Errorf("--username and a --position of at least 1 are required")
	}

	store, err := openStore(ctx, *configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	info, content, err := store.GetMessage(ctx, *username, *position)
	if err != nil {
		return err
	}

	if !*text {
		_, err := out.Write(content)
		return err
	}

	body, err := helpers.PlaintextBody(content)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "From:    %s\nSubject: %s\nUIDL:    %s\nMarked:  %t\n\n%s\n", info.From, info.Subject, info.UIDL, info.Marked, body)
	return nil
}

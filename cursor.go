package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newCursorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect or clear saved remote change cursors",
	}

	var backend string

	show := &cobra.Command{
		Use:   "show <blog>",
		Short: "Print the cursor saved by the last complete reconciliation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCursorShow(cmd.Context(), args[0], backend)
		},
	}

	reset := &cobra.Command{
		Use:   "reset <blog>",
		Short: "Forget the saved cursor so the next sync starts from a full pass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCursorReset(cmd.Context(), args[0], backend)
		},
	}

	cmd.PersistentFlags().StringVar(&backend, "backend", "", "cursor backend (defaults to the blog's client)")
	cmd.AddCommand(show, reset)

	return cmd
}

// cursorOutput is the JSON schema for `cursor show --json`.
type cursorOutput struct {
	BlogID  string `json:"blog_id"`
	Backend string `json:"backend"`
	Cursor  string `json:"cursor"`
}

func runCursorShow(ctx context.Context, ref, backend string) error {
	a, err := openDefaultApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := a.lookupBlog(ctx, ref)
	if err != nil {
		return err
	}

	if backend == "" {
		backend = string(b.Client)
	}

	cursor, err := a.store.GetCursor(ctx, b.ID, backend)
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(os.Stdout, cursorOutput{BlogID: b.ID, Backend: backend, Cursor: cursor})
	}

	if cursor == "" {
		statusf("No %s cursor saved for %s.\n", backend, b.Handle)
		return nil
	}

	fmt.Println(cursor)

	return nil
}

func runCursorReset(ctx context.Context, ref, backend string) error {
	a, err := openDefaultApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	b, err := a.lookupBlog(ctx, ref)
	if err != nil {
		return err
	}

	if backend == "" {
		backend = string(b.Client)
	}

	if err := a.store.DeleteCursor(ctx, b.ID, backend); err != nil {
		return err
	}

	statusf("Cleared %s cursor for %s.\n", backend, b.Handle)

	return nil
}

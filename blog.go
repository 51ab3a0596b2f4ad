package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/blogsync/internal/blog"
)

func newBlogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blog",
		Short: "Manage registered blogs",
	}

	cmd.AddCommand(newBlogAddCmd())
	cmd.AddCommand(newBlogListCmd())
	cmd.AddCommand(newBlogToggleCmd("disable", "Stop syncing a blog", true))
	cmd.AddCommand(newBlogToggleCmd("enable", "Resume syncing a blog", false))

	return cmd
}

func newBlogAddCmd() *cobra.Command {
	var (
		folder     string
		client     string
		remotePath string
	)

	cmd := &cobra.Command{
		Use:   "add <handle>",
		Short: "Register a blog folder",
		Long: `Register a blog folder. Dropbox and Google Drive blogs name the remote
folder they mirror with --remote-path; it is tracked by ID so the pass keeps
working if the folder is later moved.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBlogAdd(cmd.Context(), args[0], folder, blog.Client(client), remotePath)
		},
	}

	cmd.Flags().StringVar(&folder, "folder", "", "blog folder (required)")
	cmd.Flags().StringVar(&client, "client", string(blog.ClientLocal), "content client: local, dropbox, gdrive, git")
	cmd.Flags().StringVar(&remotePath, "remote-path", "", "remote folder mirrored by dropbox and gdrive blogs")

	if err := cmd.MarkFlagRequired("folder"); err != nil {
		panic(err)
	}

	return cmd
}

func runBlogAdd(ctx context.Context, handle, folder string, client blog.Client, remotePath string) error {
	if !client.Valid() {
		return fmt.Errorf("unknown client %q", client)
	}

	abs, err := filepath.Abs(folder)
	if err != nil {
		return fmt.Errorf("resolving folder: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("blog folder: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("blog folder %s is not a directory", abs)
	}

	a, err := openDefaultApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	b := &blog.Blog{Handle: handle, Client: client, Folder: abs}

	if remotePath != "" {
		if client != blog.ClientDropbox && client != blog.ClientGDrive {
			return fmt.Errorf("--remote-path only applies to dropbox and gdrive blogs")
		}

		rc, err := newRemoteClient(ctx, a, client)
		if err != nil {
			return err
		}

		root, err := rc.LookupRoot(ctx, remotePath)
		if err != nil {
			return fmt.Errorf("looking up %s on %s: %w", remotePath, client, err)
		}

		b.RemoteRootID, b.RemoteRootPath = root.ID, root.Path
	}

	if err := a.store.CreateBlog(ctx, b); err != nil {
		return err
	}

	a.logger.Info("blog added", "blog_id", b.ID, "handle", b.Handle, "client", string(b.Client))
	statusf("Added blog %s (%s).\n", b.Handle, b.ID)

	return nil
}

func newBlogListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered blogs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBlogList(cmd.Context())
		},
	}
}

// blogOutput is the JSON schema for `blog list --json`.
type blogOutput struct {
	ID             string          `json:"id"`
	Handle         string          `json:"handle"`
	Client         string          `json:"client"`
	Folder         string          `json:"folder"`
	RemoteRootID   string          `json:"remote_root_id,omitempty"`
	RemoteRootPath string          `json:"remote_root_path,omitempty"`
	Disabled       bool            `json:"disabled"`
	CacheEpoch     int64           `json:"cache_epoch"`
	Options        map[string]bool `json:"options"`
	LastSyncedAt   *time.Time      `json:"last_synced_at,omitempty"`
}

func runBlogList(ctx context.Context) error {
	a, err := openDefaultApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	blogs, err := a.store.ListBlogs(ctx, "")
	if err != nil {
		return err
	}

	if flagJSON {
		out := make([]blogOutput, 0, len(blogs))

		for _, b := range blogs {
			o := blogOutput{
				ID: b.ID, Handle: b.Handle, Client: string(b.Client), Folder: b.Folder,
				RemoteRootID: b.RemoteRootID, RemoteRootPath: b.RemoteRootPath,
				Disabled: b.Disabled, CacheEpoch: b.CacheEpoch, Options: b.Options,
			}

			if !b.LastSyncedAt.IsZero() {
				t := b.LastSyncedAt
				o.LastSyncedAt = &t
			}

			out = append(out, o)
		}

		return printJSON(os.Stdout, out)
	}

	if len(blogs) == 0 {
		statusf("No blogs registered. Run 'blogsync blog add'.\n")
		return nil
	}

	rows := make([][]string, 0, len(blogs))

	for _, b := range blogs {
		state := "enabled"
		if b.Disabled {
			state = "disabled"
		}

		rows = append(rows, []string{
			b.Handle, b.ID, string(b.Client), b.Folder, state,
			strconv.FormatInt(b.CacheEpoch, 10), formatTime(b.LastSyncedAt),
		})
	}

	printTable(os.Stdout, []string{"HANDLE", "ID", "CLIENT", "FOLDER", "STATE", "EPOCH", "LAST SYNC"}, rows)

	return nil
}

func newBlogToggleCmd(use, short string, disabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <blog>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openDefaultApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			b, err := a.lookupBlog(ctx, args[0])
			if err != nil {
				return err
			}

			if err := a.store.SetDisabled(ctx, b.ID, disabled); err != nil {
				return err
			}

			statusf("Blog %s %sd.\n", b.Handle, use)

			return nil
		},
	}
}

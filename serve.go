package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/blogsync/internal/blog"
	"github.com/tonimelisma/blogsync/internal/reconcile"
	"github.com/tonimelisma/blogsync/internal/webhook"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the Dropbox webhook and session status streams",
		Long: `Listen for Dropbox change notifications and reconcile every enabled Dropbox
blog from its remote folder when one arrives. GET /status/<blog> streams the
blog's session status over a websocket.

The Dropbox app secret that signs notifications is read from the environment
variable named by [server] dropbox_app_secret_env.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen == "" {
				listen = resolvedCfg.Server.Listen
			}

			return runServe(cmd.Context(), listen)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides [server] listen)")

	return cmd
}

func runServe(ctx context.Context, listen string) error {
	logger := buildLogger()
	hub := webhook.NewHub(logger)

	a, err := openApp(ctx, resolvedCfg, logger, hub)
	if err != nil {
		return err
	}
	defer a.Close()

	cleanup, err := writePIDFile(pidPath(a.cfg.DataDir, "serve"))
	if err != nil {
		return err
	}
	defer cleanup()

	secret := os.Getenv(a.cfg.Server.DropboxAppSecretEnv)
	if secret == "" {
		logger.Warn("dropbox app secret not set, webhook notifications will be rejected",
			slog.String("env", a.cfg.Server.DropboxAppSecretEnv),
		)
	}

	srv := webhook.New(webhook.Config{
		Blogs: a.store,
		Trigger: func(ctx context.Context, b *blog.Blog) error {
			sig, stop := abortWhenDone(ctx)
			defer stop()

			_, err := runReconcile(ctx, a, b, reconcile.RemoteToLocal, sig)

			return err
		},
		Hub:       hub,
		AppSecret: []byte(secret),
		Logger:    logger,
	})

	return srv.Run(shutdownContext(ctx, logger), listen)
}

// abortWhenDone returns a signal that is set when ctx ends, so a pass stops
// at its next checkpoint on shutdown. stop releases the watch on ctx and
// must be called once the pass returns.
func abortWhenDone(ctx context.Context) (*reconcile.AbortSignal, func() bool) {
	sig := reconcile.NewAbortSignal()

	stop := context.AfterFunc(ctx, func() {
		sig.AbortWithCause(context.Cause(ctx))
	})

	return sig, stop
}

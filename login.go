package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/blogsync/internal/blog"
	"github.com/tonimelisma/blogsync/internal/tokenfile"
)

const (
	defaultCallbackPort = 53682
	loginTimeout        = 5 * time.Minute
	stateBytes          = 16
)

func newLoginCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "login <dropbox|gdrive>",
		Short: "Authorize access to a storage provider",
		Long: `Open the provider's consent page, wait for it to redirect back to a local
callback, and save the resulting token under the data directory. The callback
URL http://127.0.0.1:<port>/ must be registered with the provider app.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(blog.ClientDropbox), string(blog.ClientGDrive)},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd.Context(), blog.Client(args[0]), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", defaultCallbackPort, "local callback port")

	return cmd
}

func runLogin(ctx context.Context, client blog.Client, port int) error {
	logger := buildLogger()

	conf, err := oauthConfig(resolvedCfg, client)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("listening for the OAuth callback: %w", err)
	}

	conf.RedirectURL = "http://" + ln.Addr().String() + "/"

	state, err := randomState()
	if err != nil {
		ln.Close()
		return err
	}

	verifier := oauth2.GenerateVerifier()

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier)}
	if client == blog.ClientDropbox {
		opts = append(opts, oauth2.SetAuthURLParam("token_access_type", "offline"))
	}

	// The consent URL must always be visible, even with --quiet.
	fmt.Fprintf(os.Stderr, "To authorize blogsync, visit:\n\n  %s\n\n", conf.AuthCodeURL(state, opts...))

	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	code, err := awaitCallback(shutdownContext(ctx, logger), ln, state)
	if err != nil {
		return err
	}

	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, defaultHTTPClient())

	tok, err := conf.Exchange(exchangeCtx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return fmt.Errorf("exchanging authorization code: %w", err)
	}

	path := tokenPath(resolvedCfg, client)

	meta := map[string]string{
		"provider":   string(client),
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}

	if err := tokenfile.Save(path, tok, meta); err != nil {
		return err
	}

	logger.Info("login successful", slog.String("provider", string(client)), slog.String("token_path", path))
	statusf("Login successful.\n")

	return nil
}

// awaitCallback serves the redirect on ln and returns the authorization code
// it carries. ln is closed on return.
func awaitCallback(ctx context.Context, ln net.Listener, state string) (string, error) {
	type result struct {
		code string
		err  error
	}

	results := make(chan result, 1)

	srv := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()

			var res result

			switch {
			case q.Get("state") != state:
				res.err = errors.New("OAuth callback state mismatch")
			case q.Get("error") != "":
				res.err = fmt.Errorf("authorization denied: %s %s", q.Get("error"), q.Get("error_description"))
			case q.Get("code") == "":
				res.err = errors.New("OAuth callback carried no code")
			default:
				res.code = q.Get("code")
			}

			if res.err != nil {
				http.Error(w, res.err.Error(), http.StatusBadRequest)
			} else {
				fmt.Fprintln(w, "blogsync is authorized. You can close this window.")
			}

			select {
			case results <- res:
			default:
			}
		}),
	}

	go srv.Serve(ln) //nolint:errcheck // Serve returns ErrServerClosed after Shutdown.

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		srv.Shutdown(shutdownCtx) //nolint:errcheck // best-effort
	}()

	select {
	case res := <-results:
		return res.code, res.err
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for authorization: %w", ctx.Err())
	}
}

func randomState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating OAuth state: %w", err)
	}

	return hex.EncodeToString(b), nil
}

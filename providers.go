package main

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	"google.golang.org/api/drive/v3"

	"github.com/tonimelisma/blogsync/internal/blog"
	"github.com/tonimelisma/blogsync/internal/config"
	"github.com/tonimelisma/blogsync/internal/reconcile"
	"github.com/tonimelisma/blogsync/internal/remote/dropbox"
	"github.com/tonimelisma/blogsync/internal/remote/gdrive"
	"github.com/tonimelisma/blogsync/internal/tokenfile"
)

// remoteClient is a reconcile.Client that can also turn a remote folder path
// into a trackable root.
type remoteClient interface {
	reconcile.Client
	LookupRoot(ctx context.Context, path string) (reconcile.Root, error)
}

// providerConfig returns the config section for a storage provider.
func providerConfig(cfg *config.Config, client blog.Client) (config.ProviderConfig, error) {
	switch client {
	case blog.ClientDropbox:
		return cfg.Dropbox, nil
	case blog.ClientGDrive:
		return cfg.GDrive, nil
	default:
		return config.ProviderConfig{}, fmt.Errorf("%s blogs have no remote storage provider", client)
	}
}

// oauthConfig returns the OAuth client for a storage provider.
func oauthConfig(cfg *config.Config, client blog.Client) (*oauth2.Config, error) {
	pc, err := providerConfig(cfg, client)
	if err != nil {
		return nil, err
	}

	if pc.ClientID == "" {
		return nil, fmt.Errorf("[%s] client_id is not configured", client)
	}

	conf := &oauth2.Config{
		ClientID:     pc.ClientID,
		ClientSecret: pc.ClientSecret,
	}

	switch client {
	case blog.ClientDropbox:
		conf.Endpoint = endpoints.Dropbox
	case blog.ClientGDrive:
		conf.Endpoint = endpoints.Google
		conf.Scopes = []string{drive.DriveScope}
	}

	return conf, nil
}

// tokenPath returns where a provider's token is saved.
func tokenPath(cfg *config.Config, client blog.Client) string {
	pc, _ := providerConfig(cfg, client)

	return config.TokenPath(cfg.DataDir, pc.TokenDir, string(client))
}

// newRemoteClient builds the storage client for a blog's provider from its
// saved token.
func newRemoteClient(ctx context.Context, a *app, client blog.Client) (remoteClient, error) {
	conf, err := oauthConfig(a.cfg, client)
	if err != nil {
		return nil, err
	}

	pc, _ := providerConfig(a.cfg, client)

	ts, err := tokenfile.Source(ctx, conf, tokenPath(a.cfg, client), a.logger)
	if errors.Is(err, tokenfile.ErrNoToken) {
		return nil, fmt.Errorf("not logged in to %s, run 'blogsync login %s' first", client, client)
	}

	if err != nil {
		return nil, err
	}

	switch client {
	case blog.ClientDropbox:
		return dropbox.New(dropbox.Config{
			APIURL:     pc.APIURL,
			ContentURL: pc.ContentURL,
			HTTPClient: transferHTTPClient(),
			Token:      ts,
			Logger:     a.logger,
		}), nil

	default:
		c, err := gdrive.New(ctx, gdrive.Config{
			Endpoint: pc.APIURL,
			Token:    ts,
			Logger:   a.logger,
		})
		if err != nil {
			return nil, err
		}

		return c, nil
	}
}

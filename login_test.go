package main

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// callback starts awaitCallback on a free port and hits it with query.
func callback(t *testing.T, state string, query url.Values) (string, error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	target := "http://" + ln.Addr().String() + "/?" + query.Encode()

	go func() {
		resp, err := http.Get(target) //nolint:noctx // test helper
		if err == nil {
			resp.Body.Close()
		}
	}()

	return awaitCallback(ctx, ln, state)
}

func TestAwaitCallback_ReturnsCode(t *testing.T) {
	code, err := callback(t, "s1", url.Values{"state": {"s1"}, "code": {"abc"}})
	require.NoError(t, err)
	assert.Equal(t, "abc", code)
}

func TestAwaitCallback_StateMismatch(t *testing.T) {
	_, err := callback(t, "s1", url.Values{"state": {"forged"}, "code": {"abc"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state mismatch")
}

func TestAwaitCallback_Denied(t *testing.T) {
	_, err := callback(t, "s1", url.Values{"state": {"s1"}, "error": {"access_denied"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access_denied")
}

func TestAwaitCallback_ContextEnds(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = awaitCallback(ctx, ln, "s1")
	require.ErrorIs(t, err, context.Canceled)
}

func TestRandomState_Unique(t *testing.T) {
	a, err := randomState()
	require.NoError(t, err)

	b, err := randomState()
	require.NoError(t, err)

	assert.Len(t, a, 2*stateBytes)
	assert.NotEqual(t, a, b)
}

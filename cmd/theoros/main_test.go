package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"theoros/internal/credentials"
	"theoros/internal/notification"
	"theoros/pkg/questrade"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func testEnv(t *testing.T) string {
	t.Helper()
	envFile := filepath.Join(t.TempDir(), ".env")
	t.Setenv("ENV_FILE", envFile)
	t.Setenv("CREDENTIAL_BACKEND", "envfile")
	t.Setenv("QUESTRADE_CLIENT_ID", "cid")
	t.Setenv("LOG_LEVEL", "error")
	return envFile
}

func TestAuthURL(t *testing.T) {
	testEnv(t)

	out, err := run(t, "auth", "url")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "https://login.questrade.com/oauth2/authorize?"))
	assert.Contains(t, out, "client_id=cid")
}

func TestAuthStatus(t *testing.T) {
	envFile := testEnv(t)

	out, err := run(t, "auth", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "refresh token:  false")
	assert.Contains(t, out, "access token:   none")

	store := credentials.New(credentials.NewEnvFile(envFile))
	_, err = store.SetTokens(context.Background(), "a", "r", 1800, "https://api01.iq.questrade.com/")
	require.NoError(t, err)

	out, err = run(t, "auth", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "refresh token:  true")
	assert.Contains(t, out, "expired=false")
}

func TestAuthRefresh_NotAuthenticated(t *testing.T) {
	testEnv(t)

	_, err := run(t, "auth", "refresh")
	assert.Error(t, err)
}

func TestUnknownBackend(t *testing.T) {
	testEnv(t)
	t.Setenv("CREDENTIAL_BACKEND", "etcd")

	_, err := run(t, "auth", "status")
	assert.Error(t, err)
}

type chanNotifier chan notification.Alert

func (c chanNotifier) Send(_ context.Context, a notification.Alert) error {
	c <- a
	return nil
}

func TestSessionExpiryAlert(t *testing.T) {
	ch := make(chanNotifier, 1)
	hook := sessionExpiryAlert(ch, "http://localhost:8000/auth/callback")
	hook(context.Background(), &questrade.RefreshError{Status: 400})

	select {
	case a := <-ch:
		assert.Equal(t, notification.AlertCritical, a.Level)
		assert.Contains(t, a.Message, "HTTP 400")
	case <-time.After(2 * time.Second):
		t.Fatal("alert not delivered")
	}
}

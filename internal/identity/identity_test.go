// ABOUTME: Tests for the identity package
// ABOUTME: Credential file round trips, broker request/response, bound handlers

package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialFile_SetThenCredential(t *testing.T) {
	f := NewCredentialFile(filepath.Join(t.TempDir(), "conf", "credentials.toml"))

	_, err := f.Credential(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)

	require.NoError(t, f.Set("sk-test-123"))

	key, err := f.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", key)

	info, err := os.Stat(f.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestCredentialFile_RejectsEmptyKey(t *testing.T) {
	f := NewCredentialFile(filepath.Join(t.TempDir(), "credentials.toml"))
	assert.Error(t, f.Set("   "))
}

func TestCredentialFile_TrimsWhitespace(t *testing.T) {
	f := NewCredentialFile(filepath.Join(t.TempDir(), "credentials.toml"))
	require.NoError(t, f.Set("  sk-padded  "))

	key, err := f.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sk-padded", key)
}

func TestBroker_RequestResponse(t *testing.T) {
	b := NewBroker(nil)
	b.Handle("echo", func(ctx context.Context, req Request) (string, error) {
		return "echo:" + req.Payload, nil
	})

	out, err := b.Request(context.Background(), "echo", "hello")
	require.NoError(t, err)
	assert.Equal(t, "echo:hello", out)
}

func TestBroker_UnknownKind(t *testing.T) {
	b := NewBroker(nil)
	_, err := b.Request(context.Background(), "nope", "")
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestBroker_HandlerErrorPropagates(t *testing.T) {
	b := NewBroker(nil)
	b.Handle("fail", func(ctx context.Context, req Request) (string, error) {
		return "", errors.New("boom")
	})

	_, err := b.Request(context.Background(), "fail", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestBroker_ContextCancellationUnblocks(t *testing.T) {
	b := NewBroker(nil)
	release := make(chan struct{})
	defer close(release)
	b.Handle("slow", func(ctx context.Context, req Request) (string, error) {
		<-release
		return "too late", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Request(ctx, "slow", "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIdentity_BindAnswersBothKinds(t *testing.T) {
	creds := NewCredentialFile(filepath.Join(t.TempDir(), "credentials.toml"))
	require.NoError(t, creds.Set("sk-bound"))

	id := New(creds)
	b := NewBroker(nil)
	id.Bind(b)

	got, err := b.Request(context.Background(), KindGetContextID, "")
	require.NoError(t, err)
	assert.Equal(t, id.ContextID, got)

	key, err := (&BrokerCredentials{Broker: b}).Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sk-bound", key)
}

func TestIdentity_UniqueContextIDs(t *testing.T) {
	a := New(nil)
	b := New(nil)
	assert.NotEqual(t, a.ContextID, b.ContextID)
	assert.NotEmpty(t, a.ContextID)
}

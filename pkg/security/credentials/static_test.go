package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticProvider(t *testing.T) {
	p := NewStaticUserPasswordProvider("admin", "secret")
	defer p.Close()

	assert.Equal(t, CredentialTypeUserPassword, p.Type())
	creds, err := p.GetCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "admin", creds.User)
	assert.Equal(t, "secret", creds.Password)
}

func TestStaticProvider_Expiration(t *testing.T) {
	p := NewStaticTokenProvider("t", time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	_, err := p.GetCredentials(context.Background())
	assert.ErrorIs(t, err, ErrCredentialsExpired)
}

func TestEnvProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("token", func(t *testing.T) {
		t.Setenv("ESTEST_TOKEN", "env-token")
		creds, err := NewEnvProvider("ESTEST_").GetCredentials(ctx)
		require.NoError(t, err)
		assert.Equal(t, CredentialTypeToken, creds.Type)
		assert.Equal(t, "env-token", creds.Token)
		assert.Equal(t, "environment", creds.Metadata["provider"])
	})

	t.Run("user password", func(t *testing.T) {
		t.Setenv("ESTEST_USER", "alice")
		t.Setenv("ESTEST_PASSWORD", "pw")
		creds, err := NewEnvProvider("ESTEST_").GetCredentials(ctx)
		require.NoError(t, err)
		assert.Equal(t, CredentialTypeUserPassword, creds.Type)
		assert.Equal(t, "alice", creds.User)
	})

	t.Run("user without password", func(t *testing.T) {
		t.Setenv("ESTEST_USER", "alice")
		_, err := NewEnvProvider("ESTEST_").GetCredentials(ctx)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("nothing set", func(t *testing.T) {
		_, err := NewEnvProvider("ESTEST_NONE_").GetCredentials(ctx)
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})
}

func TestChainProvider(t *testing.T) {
	ctx := context.Background()

	chain := NewChainProvider(
		NewEnvProvider("ESTEST_CHAIN_"),
		NewStaticTokenProvider("fallback", 0),
	)
	creds, err := chain.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fallback", creds.Token)
	assert.NoError(t, chain.Close())

	t.Setenv("ESTEST_CHAIN_TOKEN", "from-env")
	creds, err = chain.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from-env", creds.Token)

	_, err = NewChainProvider().GetCredentials(ctx)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = NewChainProvider(NewEnvProvider("ESTEST_CHAIN_NONE_")).GetCredentials(ctx)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

// Package credentials supplies connection credentials for the NATS
// publisher and the JetStream event store.
//
// Credentials come from a static value, the environment, or a ciphertext
// file sealed with a gocloud.dev/secrets keeper:
//
//	provider, err := credentials.NewSecretProvider(ctx, credentials.SecretConfig{
//		KeeperURL: "base64key://smGbjm71Nxd1Ig5FS0wj9SlbzAIrnolCz9bQQ6uAhl4=",
//		Path:      "/etc/aggregatestore/nats.creds",
//	})
//	opts, err := credentials.NATSOptions(ctx, provider)
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

var (
	// ErrCredentialsExpired is returned when credentials have expired.
	ErrCredentialsExpired = errors.New("credentials expired")

	// ErrInvalidCredentials is returned when credentials are malformed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderClosed is returned when a closed provider is used.
	ErrProviderClosed = errors.New("provider is closed")
)

// CredentialType identifies how a client authenticates.
type CredentialType string

const (
	CredentialTypeToken        CredentialType = "token"
	CredentialTypeUserPassword CredentialType = "user_password"
	CredentialTypeJWT          CredentialType = "jwt"
)

// Credentials is a single set of authentication material.
type Credentials struct {
	Type CredentialType `json:"type"`

	Token    string `json:"token,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`

	// JWT authentication signs the server nonce with Seed.
	JWT  string `json:"jwt,omitempty"`
	Seed string `json:"seed,omitempty"`

	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// IsExpired reports whether the credentials carry an expiry in the past.
func (c *Credentials) IsExpired() bool {
	return c.ExpiresAt != nil && time.Now().After(*c.ExpiresAt)
}

// Validate checks that the fields required by the credential type are set.
func (c *Credentials) Validate() error {
	switch c.Type {
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidCredentials)
	case CredentialTypeToken:
		if c.Token == "" {
			return fmt.Errorf("%w: token is required", ErrInvalidCredentials)
		}
	case CredentialTypeUserPassword:
		if c.User == "" || c.Password == "" {
			return fmt.Errorf("%w: user and password are required", ErrInvalidCredentials)
		}
	case CredentialTypeJWT:
		if c.JWT == "" || c.Seed == "" {
			return fmt.Errorf("%w: jwt and seed are required", ErrInvalidCredentials)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCredentials, c.Type)
	}
	return nil
}

// Redacted returns a copy with every secret replaced by "***". It is what
// String and slog rendering show.
func (c *Credentials) Redacted() Credentials {
	out := *c
	for _, s := range []*string{&out.Token, &out.Password, &out.Seed, &out.JWT} {
		if *s != "" {
			*s = "***"
		}
	}
	return out
}

func (c *Credentials) String() string {
	r := c.Redacted()
	b, _ := json.Marshal(&r)
	return string(b)
}

// Provider hands out the current credentials.
type Provider interface {
	GetCredentials(ctx context.Context) (*Credentials, error)
	Type() CredentialType
	Close() error
}

// SecretData is the plaintext layout sealed into a secret file.
type SecretData struct {
	Credentials *Credentials      `json:"credentials"`
	Version     int               `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NATSOptions converts the provider's current credentials into nats.Options.
// A nil provider yields no options.
func NATSOptions(ctx context.Context, p Provider) ([]nats.Option, error) {
	if p == nil {
		return nil, nil
	}
	creds, err := p.GetCredentials(ctx)
	if err != nil {
		return nil, err
	}
	switch creds.Type {
	case CredentialTypeToken:
		return []nats.Option{nats.Token(creds.Token)}, nil
	case CredentialTypeUserPassword:
		return []nats.Option{nats.UserInfo(creds.User, creds.Password)}, nil
	case CredentialTypeJWT:
		return []nats.Option{nats.UserJWTAndSeed(creds.JWT, creds.Seed)}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %q", ErrInvalidCredentials, creds.Type)
	}
}

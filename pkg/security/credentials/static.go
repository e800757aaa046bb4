package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// StaticProvider serves a fixed set of credentials. Intended for tests and
// local development.
type StaticProvider struct {
	creds *Credentials
}

// NewStaticTokenProvider serves token until ttl elapses. A zero ttl never
// expires.
func NewStaticTokenProvider(token string, ttl time.Duration) *StaticProvider {
	c := &Credentials{Type: CredentialTypeToken, Token: token}
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		c.ExpiresAt = &exp
	}
	return &StaticProvider{creds: c}
}

// NewStaticUserPasswordProvider serves a fixed user and password.
func NewStaticUserPasswordProvider(user, password string) *StaticProvider {
	return &StaticProvider{creds: &Credentials{
		Type:     CredentialTypeUserPassword,
		User:     user,
		Password: password,
	}}
}

func (p *StaticProvider) GetCredentials(context.Context) (*Credentials, error) {
	if p.creds.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return p.creds, nil
}

func (p *StaticProvider) Type() CredentialType { return p.creds.Type }

func (p *StaticProvider) Close() error { return nil }

// envCredentials is populated from <prefix>TOKEN, <prefix>USER and so on.
type envCredentials struct {
	Token    string `env:"TOKEN"`
	User     string `env:"USER"`
	Password string `env:"PASSWORD"`
	JWT      string `env:"JWT"`
	Seed     string `env:"SEED"`
}

// EnvProvider reads credentials from environment variables on every call,
// so values injected after start-up are picked up.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider reads variables named prefix+"TOKEN", prefix+"USER",
// prefix+"PASSWORD", prefix+"JWT" and prefix+"SEED". A token wins over a
// user/password pair, which wins over a JWT.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) GetCredentials(context.Context) (*Credentials, error) {
	var ec envCredentials
	if err := env.ParseWithOptions(&ec, env.Options{Prefix: p.prefix}); err != nil {
		return nil, fmt.Errorf("parse credential environment: %w", err)
	}

	var c *Credentials
	switch {
	case ec.Token != "":
		c = &Credentials{Type: CredentialTypeToken, Token: ec.Token}
	case ec.User != "" || ec.Password != "":
		c = &Credentials{Type: CredentialTypeUserPassword, User: ec.User, Password: ec.Password}
	case ec.JWT != "" || ec.Seed != "":
		c = &Credentials{Type: CredentialTypeJWT, JWT: ec.JWT, Seed: ec.Seed}
	default:
		return nil, fmt.Errorf("%w: no %sTOKEN, %sUSER or %sJWT set",
			ErrInvalidCredentials, p.prefix, p.prefix, p.prefix)
	}
	c.Metadata = map[string]string{"provider": "environment", "prefix": p.prefix}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Type is resolved per call and so reported as empty.
func (p *EnvProvider) Type() CredentialType { return "" }

func (p *EnvProvider) Close() error { return nil }

// ChainProvider returns the credentials of the first provider that has any.
type ChainProvider struct {
	providers []Provider
}

// NewChainProvider tries providers in order.
func NewChainProvider(providers ...Provider) *ChainProvider {
	return &ChainProvider{providers: providers}
}

func (c *ChainProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	var errs []error
	for _, p := range c.providers {
		creds, err := p.GetCredentials(ctx)
		if err == nil {
			return creds, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: empty provider chain", ErrInvalidCredentials)
	}
	return nil, fmt.Errorf("no provider in chain succeeded: %w", errors.Join(errs...))
}

func (c *ChainProvider) Type() CredentialType { return "" }

func (c *ChainProvider) Close() error {
	var errs []error
	for _, p := range c.providers {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

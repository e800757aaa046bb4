package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gocloud.dev/secrets"
	// Keeper drivers register themselves on import. localsecrets is always
	// linked so base64key:// works out of the box; cloud drivers are opt-in.
	_ "gocloud.dev/secrets/localsecrets"
)

// SecretConfig configures a SecretProvider.
type SecretConfig struct {
	// KeeperURL opens the keeper, for example "base64key://..." or
	// "awskms://...".
	KeeperURL string

	// Path is the file holding the sealed SecretData.
	Path string

	// CacheTTL bounds how long decrypted credentials are reused.
	CacheTTL time.Duration

	// RefreshInterval, when positive, reloads the file in the background.
	RefreshInterval time.Duration

	Logger *slog.Logger
}

// DefaultCacheTTL is used when SecretConfig.CacheTTL is zero.
const DefaultCacheTTL = 5 * time.Minute

// SecretProvider decrypts credentials sealed by Seal.
type SecretProvider struct {
	keeper *secrets.Keeper
	cfg    SecretConfig
	log    *slog.Logger

	mu          sync.RWMutex
	cached      *Credentials
	cacheExpiry time.Time
	closed      bool

	closeOnce   sync.Once
	refreshStop chan struct{}
	refreshDone chan struct{}
}

// NewSecretProvider opens the keeper and loads the credentials once so a
// bad configuration fails at start-up.
func NewSecretProvider(ctx context.Context, cfg SecretConfig) (*SecretProvider, error) {
	if cfg.KeeperURL == "" {
		return nil, fmt.Errorf("%w: keeper URL is required", ErrInvalidCredentials)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: secret path is required", ErrInvalidCredentials)
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	keeper, err := secrets.OpenKeeper(ctx, cfg.KeeperURL)
	if err != nil {
		return nil, fmt.Errorf("open secret keeper: %w", err)
	}

	p := &SecretProvider{
		keeper:      keeper,
		cfg:         cfg,
		log:         log.With(slog.String("component", "credentials")),
		refreshStop: make(chan struct{}),
		refreshDone: make(chan struct{}),
	}
	if err := p.load(ctx); err != nil {
		_ = keeper.Close()
		return nil, fmt.Errorf("load initial credentials: %w", err)
	}

	if cfg.RefreshInterval > 0 {
		go p.autoRefresh()
	} else {
		close(p.refreshDone)
	}
	return p, nil
}

// GetCredentials returns cached credentials, reloading them once the cache
// has expired.
func (p *SecretProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrProviderClosed
	}
	creds, fresh := p.cached, time.Now().Before(p.cacheExpiry)
	p.mu.RUnlock()

	if !fresh {
		if err := p.load(ctx); err != nil {
			return nil, err
		}
		p.mu.RLock()
		creds = p.cached
		p.mu.RUnlock()
	}

	if creds.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return creds, nil
}

// Rotate drops the cache and rereads the secret file.
func (p *SecretProvider) Rotate(ctx context.Context) error {
	return p.load(ctx)
}

func (p *SecretProvider) Type() CredentialType {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cached == nil {
		return ""
	}
	return p.cached.Type
}

func (p *SecretProvider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		close(p.refreshStop)
		<-p.refreshDone
		err = p.keeper.Close()
	})
	return err
}

func (p *SecretProvider) load(ctx context.Context) error {
	ciphertext, err := os.ReadFile(p.cfg.Path)
	if err != nil {
		return fmt.Errorf("read secret file: %w", err)
	}
	plaintext, err := p.keeper.Decrypt(ctx, ciphertext)
	if err != nil {
		return fmt.Errorf("decrypt secret: %w", err)
	}

	var data SecretData
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return fmt.Errorf("unmarshal secret data: %w", err)
	}
	if data.Credentials == nil {
		return fmt.Errorf("%w: secret holds no credentials", ErrInvalidCredentials)
	}
	if err := data.Credentials.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProviderClosed
	}
	p.cached = data.Credentials
	p.cacheExpiry = time.Now().Add(p.cfg.CacheTTL)
	return nil
}

func (p *SecretProvider) autoRefresh() {
	defer close(p.refreshDone)

	ticker := time.NewTicker(p.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := p.load(ctx); err != nil && !errors.Is(err, ErrProviderClosed) {
				p.log.Warn("credential refresh failed", slog.Any("error", err))
			}
			cancel()
		case <-p.refreshStop:
			return
		}
	}
}

// Seal encrypts creds with the keeper at keeperURL and writes the
// ciphertext to path with 0600 permissions.
func Seal(ctx context.Context, keeperURL, path string, creds *Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}

	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return fmt.Errorf("open secret keeper: %w", err)
	}
	defer keeper.Close()

	plaintext, err := json.Marshal(SecretData{
		Credentials: creds,
		Version:     1,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal secret data: %w", err)
	}

	ciphertext, err := keeper.Encrypt(ctx, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}
	if err := os.WriteFile(path, ciphertext, 0o600); err != nil {
		return fmt.Errorf("write secret file: %w", err)
	}
	return nil
}

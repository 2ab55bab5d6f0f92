package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// 認証情報の保存キー。ClearAuthStorageの削除対象に含まれる。
const (
	KeySessionKey = "ic-identity"
	KeyDelegation = "ic-delegation"
)

// Storage は認証情報を保存するキーバリューストア。
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// storedDelegation は保存形式。旧形式のレコードはanchor_numberを持つ。
type storedDelegation struct {
	Delegation
	AnchorNumber json.RawMessage `json:"anchor_number,omitempty"`
}

// AuthClient はセッション鍵と委任のライフサイクルを管理する。
type AuthClient struct {
	store    Storage
	provider Provider
	maxTTL   time.Duration
	logger   *slog.Logger

	// now はテスト用に差し替え可能な現在時刻関数。
	now func() time.Time

	mu      sync.Mutex
	current *DelegatedIdentity
}

// NewAuthClient はAuthClientを生成する。maxTTLが0以下の場合はDefaultMaxTTLを使用する。
func NewAuthClient(store Storage, provider Provider, maxTTL time.Duration, logger *slog.Logger) *AuthClient {
	if maxTTL <= 0 {
		maxTTL = DefaultMaxTTL
	}
	return &AuthClient{
		store:    store,
		provider: provider,
		maxTTL:   maxTTL,
		logger:   logger,
		now:      time.Now,
	}
}

// IsAuthenticated は有効期限内のアイデンティティを保持しているかを返す。
func (c *AuthClient) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil && c.current.Expiration().After(c.now())
}

// Identity は現在のアイデンティティを返す。未認証の場合はnil。
func (c *AuthClient) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	return c.current
}

// Restore はローカルストレージから対話なしでアイデンティティを復元する。
// 保存がない、または有効期限切れの場合は (nil, nil) を返す。
// 保存内容が解読できない場合は該当キーを削除してErrStorageCorruptedを返す。
func (c *AuthClient) Restore(ctx context.Context) (Identity, error) {
	seedText, hasSeed, err := c.store.Get(ctx, KeySessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read session key: %w", err)
	}
	delegationText, hasDelegation, err := c.store.Get(ctx, KeyDelegation)
	if err != nil {
		return nil, fmt.Errorf("failed to read delegation: %w", err)
	}

	if !hasSeed && !hasDelegation {
		return nil, nil
	}
	if !hasSeed || !hasDelegation {
		c.logger.Warn("incomplete auth storage discarded")
		return nil, c.deleteKeys(ctx)
	}

	id, err := decodeStored(seedText, delegationText)
	if err != nil {
		c.logger.Warn("auth storage corrupted", slog.String("error", err.Error()))
		if delErr := c.deleteKeys(ctx); delErr != nil {
			return nil, errors.Join(ErrStorageCorrupted, delErr)
		}
		return nil, ErrStorageCorrupted
	}

	if err := id.delegation.Verify(c.now()); err != nil {
		c.logger.Info("stored delegation no longer valid", slog.String("error", err.Error()))
		return nil, c.deleteKeys(ctx)
	}

	c.mu.Lock()
	c.current = id
	c.mu.Unlock()
	return id, nil
}

// Login は対話的なログインを実行し、得られたアイデンティティを保存する。
func (c *AuthClient) Login(ctx context.Context) (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}

	d, err := c.provider.Authorize(ctx, AuthorizeRequest{SessionKey: pub, MaxTTL: c.maxTTL})
	if err != nil {
		if errors.Is(err, ErrLoginFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}

	id, err := NewDelegatedIdentity(priv, d)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	if err := d.Verify(c.now()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}

	if err := c.persist(ctx, id); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.current = id
	c.mu.Unlock()

	c.logger.Info("logged in", slog.String("principal", id.Principal().Text()))
	return id, nil
}

// Logout はアイデンティティを破棄し、保存済みの認証情報を削除する。
func (c *AuthClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
	return c.deleteKeys(ctx)
}

func (c *AuthClient) persist(ctx context.Context, id *DelegatedIdentity) error {
	data, err := json.Marshal(id.delegation)
	if err != nil {
		return fmt.Errorf("failed to marshal delegation: %w", err)
	}
	if err := c.store.Set(ctx, KeySessionKey, base64.StdEncoding.EncodeToString(id.key.Seed())); err != nil {
		return fmt.Errorf("failed to store session key: %w", err)
	}
	if err := c.store.Set(ctx, KeyDelegation, string(data)); err != nil {
		return fmt.Errorf("failed to store delegation: %w", err)
	}
	return nil
}

func (c *AuthClient) deleteKeys(ctx context.Context) error {
	return errors.Join(
		c.store.Delete(ctx, KeySessionKey),
		c.store.Delete(ctx, KeyDelegation),
	)
}

func decodeStored(seedText, delegationText string) (*DelegatedIdentity, error) {
	seed, err := base64.StdEncoding.DecodeString(seedText)
	if err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("session key: unexpected length %d", len(seed))
	}

	var stored storedDelegation
	if err := json.Unmarshal([]byte(delegationText), &stored); err != nil {
		return nil, fmt.Errorf("delegation: %w", err)
	}
	if len(stored.AnchorNumber) > 0 {
		return nil, errors.New("delegation: legacy anchor_number record")
	}

	d := stored.Delegation
	return NewDelegatedIdentity(ed25519.NewKeyFromSeed(seed), &d)
}

package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vestnik/internal/models"

	"github.com/c-pro/geche"
	"golang.org/x/crypto/blake2b"
)

const (
	DefaultTokenTTL = 30 * 24 * time.Hour
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

type Config struct {
	Secret   string        `json:"secret"`
	TokenTTL time.Duration `json:"tokenTTL"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	if _, err := base64.StdEncoding.DecodeString(c.Secret); err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenTTL == 0 {
		c.TokenTTL = DefaultTokenTTL
	}

	return nil
}

type tokenStore interface {
	UpsertToken(userID, tokenHash string) error
	DeleteToken(tokenHash string) error
	GetTokenUser(tokenHash string) (string, error)
}

// AuthService maps access tokens to user ids. Only keyed hashes of tokens
// are persisted; recently used tokens are kept in a TTL cache.
type AuthService struct {
	Config
	key        []byte
	store      tokenStore
	liveTokens geche.Geche[string, string]
}

func NewAuthService(ctx context.Context, config Config, store tokenStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	secret, _ := base64.StdEncoding.DecodeString(config.Secret)
	key := blake2b.Sum256(secret)

	return &AuthService{
		Config:     config,
		key:        key[:],
		store:      store,
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenTTL, time.Minute),
	}, nil
}

// IssueToken creates a new access token for userID.
func (as *AuthService) IssueToken(userID string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(b)

	hash, err := as.hashToken(token)
	if err != nil {
		return "", err
	}
	if err := as.store.UpsertToken(userID, hash); err != nil {
		return "", fmt.Errorf("failed to store token: %w", err)
	}
	as.liveTokens.Set(hash, userID)
	return token, nil
}

// GetUserID returns the user a token identifies.
func (as *AuthService) GetUserID(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	hash, err := as.hashToken(token)
	if err != nil {
		return "", err
	}
	if userID, err := as.liveTokens.Get(hash); err == nil {
		return userID, nil
	}

	userID, err := as.store.GetTokenUser(hash)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Error("token lookup failed", "error", err)
		}
		return "", ErrInvalidToken
	}
	as.liveTokens.Set(hash, userID)
	return userID, nil
}

// Revoke invalidates a token.
func (as *AuthService) Revoke(token string) error {
	hash, err := as.hashToken(token)
	if err != nil {
		return err
	}
	_ = as.liveTokens.Del(hash)
	return as.store.DeleteToken(hash)
}

func (as *AuthService) hashToken(token string) (string, error) {
	h, err := blake2b.New256(as.key)
	if err != nil {
		return "", fmt.Errorf("failed to init token hash: %w", err)
	}
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil)), nil
}

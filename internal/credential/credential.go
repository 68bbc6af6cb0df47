package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoRefresher = errors.New("credential store cannot refresh")

// Credentials 连接认证凭据
type Credentials struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// Expired 凭据是否在at时刻已过期（无过期时间视为不过期）
func (c Credentials) Expired(at time.Time) bool {
	return !c.ExpiresAt.IsZero() && !at.Before(c.ExpiresAt)
}

// Store 凭据来源，认证失败时可以被要求刷新
type Store interface {
	Credentials(ctx context.Context) (Credentials, error)
	Refresh(ctx context.Context) (Credentials, error)
}

// StaticStore 固定凭据
type StaticStore struct {
	creds Credentials
}

// NewStaticStore 创建固定凭据
func NewStaticStore(token, userID string) *StaticStore {
	return &StaticStore{creds: Credentials{Token: token, UserID: userID}}
}

func (s *StaticStore) Credentials(ctx context.Context) (Credentials, error) {
	return s.creds, nil
}

func (s *StaticStore) Refresh(ctx context.Context) (Credentials, error) {
	return Credentials{}, ErrNoRefresher
}

// Claims 令牌中关心的字段
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// RefreshFunc 换取新令牌
type RefreshFunc func(ctx context.Context) (string, error)

// JWTStore 从bearer令牌声明中解析用户ID与过期时间。
// 客户端不持有签名密钥，只做无校验解析，签名由服务器验证。
type JWTStore struct {
	mu      sync.RWMutex
	token   string
	creds   Credentials
	refresh RefreshFunc
	parser  *jwt.Parser
}

// NewJWTStore 创建JWT凭据来源
func NewJWTStore(token string, refresh RefreshFunc) (*JWTStore, error) {
	s := &JWTStore{
		refresh: refresh,
		parser:  jwt.NewParser(),
	}
	if err := s.setToken(token); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseToken 解析令牌声明
func ParseToken(parser *jwt.Parser, token string) (Credentials, error) {
	claims := &Claims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return Credentials{}, fmt.Errorf("parse token failed: %w", err)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return Credentials{}, errors.New("token carries no user id")
	}

	creds := Credentials{Token: token, UserID: userID}
	if claims.ExpiresAt != nil {
		creds.ExpiresAt = claims.ExpiresAt.Time
	}
	return creds, nil
}

func (s *JWTStore) setToken(token string) error {
	creds, err := ParseToken(s.parser, token)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.token = token
	s.creds = creds
	s.mu.Unlock()
	return nil
}

// Credentials 返回当前凭据；已过期且可刷新时先刷新
func (s *JWTStore) Credentials(ctx context.Context) (Credentials, error) {
	s.mu.RLock()
	creds := s.creds
	s.mu.RUnlock()

	if creds.Expired(time.Now()) && s.refresh != nil {
		return s.Refresh(ctx)
	}
	return creds, nil
}

// Refresh 通过刷新函数换取新令牌
func (s *JWTStore) Refresh(ctx context.Context) (Credentials, error) {
	if s.refresh == nil {
		return Credentials{}, ErrNoRefresher
	}

	token, err := s.refresh(ctx)
	if err != nil {
		return Credentials{}, fmt.Errorf("refresh token failed: %w", err)
	}
	if err := s.setToken(token); err != nil {
		return Credentials{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds, nil
}

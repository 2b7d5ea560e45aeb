// Package auth implements password login with lockout and the access-token
// lifecycle for the dashboard API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/voltflux/powermon/internal/models"
	"github.com/voltflux/powermon/internal/persistence"
)

// Authentication error kinds mapped to HTTP responses by the API layer.
var (
	ErrUnauthorized   = errors.New("invalid credentials")
	ErrAccountLocked  = errors.New("account locked")
	ErrTokenInvalid   = errors.New("invalid token")
	ErrTokenWrongType = errors.New("wrong token type")
)

const (
	lockThreshold = 3
	lockWindow    = 15 * time.Minute
	tokenTTL      = 30 * 24 * time.Hour
	tokenType     = "access"
)

// Config holds the signing material and issuer identity.
type Config struct {
	Secret string `yaml:"secret" env:"AUTH_SECRET"`
	Issuer string `yaml:"issuer" env:"AUTH_ISSUER"`
}

// Session is the successful login result.
type Session struct {
	Token     string
	ExpiresAt time.Time
	User      models.User
}

// Service verifies credentials and mints access tokens. Lockout state lives
// on the user row: three consecutive failures within the lock window reject
// further attempts until the window has passed since the last attempt.
type Service struct {
	users  persistence.UserStore
	config Config

	now func() time.Time
}

// NewService wires an auth service over the user store.
func NewService(users persistence.UserStore, config Config) *Service {
	return &Service{
		users:  users,
		config: config,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Login checks the password, maintaining the failure counter. A wrong
// password inside an expired window restarts the count rather than
// extending the lock.
func (s *Service) Login(ctx context.Context, username, password string) (*Session, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, persistence.ErrUserNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrUnauthorized
	}

	now := s.now()
	windowActive := user.LastLoginAt.Valid && now.Sub(user.LastLoginAt.Time) < lockWindow

	if user.PwFailCount >= lockThreshold && windowActive {
		log.Warn().Str("username", username).Msg("login rejected, account locked")
		return nil, ErrAccountLocked
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		failCount := 1
		if windowActive {
			failCount = user.PwFailCount + 1
		}
		if err := s.users.SaveLoginState(ctx, user.ID, failCount, now); err != nil {
			return nil, fmt.Errorf("save login state: %w", err)
		}
		return nil, ErrUnauthorized
	}

	if err := s.users.SaveLoginState(ctx, user.ID, 0, now); err != nil {
		return nil, fmt.Errorf("save login state: %w", err)
	}
	user.PwFailCount = 0
	user.LastLoginAt.Time, user.LastLoginAt.Valid = now, true

	token, expiresAt, err := s.CreateToken(user.ID)
	if err != nil {
		return nil, err
	}

	log.Info().Str("username", username).Msg("login succeeded")
	return &Session{Token: token, ExpiresAt: expiresAt, User: user}, nil
}

// CreateToken mints a 30-day HS256 access token for a user.
func (s *Service) CreateToken(userID uuid.UUID) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(tokenTTL)

	claims := jwt.MapClaims{
		"sub":  userID.String(),
		"iat":  now.Unix(),
		"exp":  expiresAt.Unix(),
		"type": tokenType,
	}
	if s.config.Issuer != "" {
		claims["iss"] = s.config.Issuer
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.config.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expiresAt, nil
}

// VerifyToken validates signature, expiry, and token type, returning the
// subject user ID.
func (s *Service) VerifyToken(raw string) (uuid.UUID, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.config.Secret), nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil || !token.Valid {
		return uuid.Nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, ErrTokenInvalid
	}
	if kind, _ := claims["type"].(string); kind != tokenType {
		return uuid.Nil, ErrTokenWrongType
	}

	sub, _ := claims["sub"].(string)
	userID, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, ErrTokenInvalid
	}
	return userID, nil
}

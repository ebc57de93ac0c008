// Package identity handles user accounts for the auction API: registration,
// login, and the seeded admin account used to manage auctions.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/auction-live/platform/internal/platform/auth"
)

var (
	ErrInvalidUsername    = errors.New("username is required")
	ErrInvalidPassword    = errors.New("password must be at least 8 characters")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type AuthResponse struct {
	Token    string `json:"token"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type Profile struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type Service struct {
	Repo      Repository
	AuthToken auth.Manager
	NewID     func() string
}

func NewService(repo Repository, tokenManager auth.Manager) *Service {
	return &Service{
		Repo:      repo,
		AuthToken: tokenManager,
		NewID:     nuid.Next,
	}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func validateCredentials(username, password string) error {
	if normalizeUsername(username) == "" {
		return ErrInvalidUsername
	}
	if len(strings.TrimSpace(password)) < 8 {
		return ErrInvalidPassword
	}
	return nil
}

func (s *Service) Register(ctx context.Context, username, password string) (AuthResponse, error) {
	if err := validateCredentials(username, password); err != nil {
		return AuthResponse{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return AuthResponse{}, err
	}
	u := User{
		ID:           s.NewID(),
		Username:     normalizeUsername(username),
		PasswordHash: string(hash),
		Role:         auth.RoleBidder,
	}
	if err := s.Repo.CreateUser(ctx, u); err != nil {
		return AuthResponse{}, err
	}
	return s.issueToken(u)
}

func (s *Service) Login(ctx context.Context, username, password string) (AuthResponse, error) {
	uname := normalizeUsername(username)
	if uname == "" || strings.TrimSpace(password) == "" {
		return AuthResponse{}, ErrInvalidCredentials
	}
	u, err := s.Repo.FindUserByUsername(ctx, uname)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AuthResponse{}, ErrInvalidCredentials
		}
		return AuthResponse{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return AuthResponse{}, ErrInvalidCredentials
	}
	return s.issueToken(u)
}

func (s *Service) Me(ctx context.Context, userID string) (Profile, error) {
	u, err := s.Repo.FindUserByID(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	return Profile{UserID: u.ID, Username: u.Username, Role: u.Role}, nil
}

// EnsureAdmin seeds the admin account on first boot so a fresh deployment can
// manage auctions without manual SQL. Existing admins are left alone.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) (bool, error) {
	n, err := s.Repo.CountByRole(ctx, auth.RoleAdmin)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if err := validateCredentials(username, password); err != nil {
		return false, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return false, err
	}
	u := User{
		ID:           s.NewID(),
		Username:     normalizeUsername(username),
		PasswordHash: string(hash),
		Role:         auth.RoleAdmin,
	}
	if err := s.Repo.CreateUser(ctx, u); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) issueToken(user User) (AuthResponse, error) {
	token, err := s.AuthToken.Sign(user.ID, user.Username, user.Role)
	if err != nil {
		return AuthResponse{}, err
	}
	return AuthResponse{
		Token:    token,
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
	}, nil
}

func NewTokenManager(secret string) auth.Manager {
	return auth.NewManager(secret, 24*time.Hour)
}

// Package accounts handles user registration and credential checks.
package accounts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrEmailTaken is returned when registering an already-known email.
	ErrEmailTaken = errors.New("email already registered")
	// ErrInvalidCredentials covers both unknown emails and wrong
	// passwords so login failures do not leak which one it was.
	ErrInvalidCredentials = errors.New("incorrect email or password")
	// ErrUserNotFound is returned when a user id cannot be resolved.
	ErrUserNotFound = errors.New("user not found")
	// ErrInactiveUser is returned for deactivated accounts.
	ErrInactiveUser = errors.New("user is inactive")
)

// User is the durable account record.
type User struct {
	ID             string
	Email          string
	HashedPassword string
	IsActive       bool
	IsAdmin        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UserRepository captures account persistence.
type UserRepository interface {
	CreateUser(ctx context.Context, user User) error
	// GetUserByEmail returns nil without error when no user matches.
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	// GetUserByID returns nil without error when no user matches.
	GetUserByID(ctx context.Context, id string) (*User, error)
}

// Service implements register/login on top of the repository.
type Service struct {
	repo  UserRepository
	clock clockwork.Clock
}

// NewService constructs a Service.
func NewService(repo UserRepository, clock clockwork.Clock) *Service {
	return &Service{repo: repo, clock: clock}
}

// Register creates an account with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, email, password string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	existing, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrEmailTaken
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	user := User{
		ID:             uuid.NewString(),
		Email:          email,
		HashedPassword: string(hashed),
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Authenticate verifies credentials and returns the account.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.HashedPassword), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrInactiveUser
	}
	return user, nil
}

// Get resolves a user id to its account.
func (s *Service) Get(ctx context.Context, id string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

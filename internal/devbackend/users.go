package devbackend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/portalauth/pkg/tokencodec"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUserNotFound is returned when no user matches the lookup.
	ErrUserNotFound = errors.New("users.not_found")
	// ErrInvalidPassword is returned when the password does not match the stored hash.
	ErrInvalidPassword = errors.New("users.invalid_password")
	// ErrDuplicateEmail is returned when registering an email twice.
	ErrDuplicateEmail = errors.New("users.duplicate_email")
)

// User is a portal account known to the development backend.
type User struct {
	ID           string
	Email        string
	Name         string
	Role         string
	PasswordHash []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// InMemoryUsers is a user store used for local runs and tests.
type InMemoryUsers struct {
	mutex      sync.RWMutex
	clock      tokencodec.Clock
	hashCost   int
	byID       map[string]User
	idsByEmail map[string]string
}

// NewInMemoryUsers constructs an empty store. A non-positive hashCost uses bcrypt.DefaultCost.
func NewInMemoryUsers(clock tokencodec.Clock, hashCost int) *InMemoryUsers {
	if clock == nil {
		clock = tokencodec.SystemClock()
	}
	if hashCost <= 0 {
		hashCost = bcrypt.DefaultCost
	}
	return &InMemoryUsers{
		clock:      clock,
		hashCost:   hashCost,
		byID:       make(map[string]User),
		idsByEmail: make(map[string]string),
	}
}

// Register adds a user with a bcrypt-hashed password.
func (store *InMemoryUsers) Register(ctx context.Context, email string, password string, name string, role string) (User, error) {
	normalizedEmail := normalizeEmail(email)
	if normalizedEmail == "" || password == "" {
		return User{}, fmt.Errorf("users.register: email and password are required")
	}
	passwordHash, hashErr := bcrypt.GenerateFromPassword([]byte(password), store.hashCost)
	if hashErr != nil {
		return User{}, fmt.Errorf("users.register: %w", hashErr)
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.idsByEmail[normalizedEmail]; exists {
		return User{}, fmt.Errorf("users.register: %w", ErrDuplicateEmail)
	}
	now := store.clock.Now().UTC()
	user := User{
		ID:           uuid.NewString(),
		Email:        normalizedEmail,
		Name:         name,
		Role:         role,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	store.byID[user.ID] = user
	store.idsByEmail[normalizedEmail] = user.ID
	return user, nil
}

// Authenticate verifies email and password.
func (store *InMemoryUsers) Authenticate(ctx context.Context, email string, password string) (User, error) {
	store.mutex.RLock()
	userID, exists := store.idsByEmail[normalizeEmail(email)]
	user := store.byID[userID]
	store.mutex.RUnlock()
	if !exists {
		return User{}, ErrUserNotFound
	}
	if compareErr := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); compareErr != nil {
		return User{}, ErrInvalidPassword
	}
	return user, nil
}

// GetUser returns a user by id.
func (store *InMemoryUsers) GetUser(ctx context.Context, userID string) (User, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	user, exists := store.byID[userID]
	if !exists {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

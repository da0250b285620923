package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/bcrypt"

	"github.com/bizmatters/contract-studio/internal/models"
)

const (
	// MinPasswordLength is the minimum password length requirement
	MinPasswordLength = 8
	// BcryptCost is the cost factor for bcrypt hashing (10 = ~100ms)
	BcryptCost = 10
)

// ErrInvalidCredentials hides whether the email or the password was wrong
var ErrInvalidCredentials = errors.New("invalid email or password")

// HashPassword returns the bcrypt hash stored in the users config
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// UserDirectory authenticates operators listed in configuration
type UserDirectory struct {
	byEmail map[string]models.User
}

// NewUserDirectory indexes users by lower-cased email
func NewUserDirectory(users []models.User) *UserDirectory {
	d := &UserDirectory{byEmail: make(map[string]models.User, len(users))}
	for _, u := range users {
		if u.ID == "" {
			u.ID = u.Email
		}
		d.byEmail[strings.ToLower(u.Email)] = u
	}
	return d
}

// Len returns the number of known users
func (d *UserDirectory) Len() int {
	return len(d.byEmail)
}

// Authenticate checks the password of the user with email
func (d *UserDirectory) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	_, span := tracer.Start(ctx, "auth.authenticate")
	defer span.End()

	u, ok := d.byEmail[strings.ToLower(email)]
	if !ok {
		span.SetAttributes(attribute.Bool("auth.user_found", false))
		return nil, ErrInvalidCredentials
	}
	span.SetAttributes(attribute.Bool("auth.user_found", true), attribute.String("user.id", u.ID))

	if err := bcrypt.CompareHashAndPassword([]byte(u.HashedPassword), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &u, nil
}

// Package authpw provides email/password authentication and the
// security-question account recovery flow.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"lorebook/api/internal/ledger"
	"lorebook/api/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrRateLimited        = errors.New("too many recovery attempts")
	ErrNoSecurityQuestion = errors.New("no security question configured")
)

// ProfileStore is the slice of the store authpw needs.
type ProfileStore interface {
	GetProfileByEmail(ctx context.Context, email string) (store.Profile, error)
	GetProfile(ctx context.Context, id string) (store.Profile, error)
	CreateProfile(ctx context.Context, p store.Profile) error
	UpdateProfilePassword(ctx context.Context, id, passwordHash string) error
	SetSecurityQuestion(ctx context.Context, id, question, answerHash string) error
}

// Service authenticates profiles and guards recovery with an attempt ledger.
type Service struct {
	store       ProfileStore
	ledger      ledger.Ledger
	maxAttempts int
	window      time.Duration
}

func NewService(store ProfileStore, attempts ledger.Ledger, maxAttempts int, window time.Duration) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if window <= 0 {
		window = time.Hour
	}
	return &Service{
		store:       store,
		ledger:      attempts,
		maxAttempts: maxAttempts,
		window:      window,
	}
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Email       string
	Password    string
	DisplayName string
}

// SignUp creates a new profile with the default user role.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.Profile, error) {
	email := normalizeEmail(req.Email)
	if email == "" || req.Password == "" || req.DisplayName == "" {
		return store.Profile{}, errors.New("email, password, and display name are required")
	}
	if len(req.Password) < 8 {
		return store.Profile{}, errors.New("password must be at least 8 characters")
	}

	if _, err := s.store.GetProfileByEmail(ctx, email); err == nil {
		return store.Profile{}, ErrEmailTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.Profile{}, fmt.Errorf("hash password: %w", err)
	}

	profile := store.Profile{
		ID:           uuid.NewString(),
		DisplayName:  req.DisplayName,
		Email:        email,
		PasswordHash: string(hash),
		Role:         "user",
	}
	if err := s.store.CreateProfile(ctx, profile); err != nil {
		if store.IsUniqueViolation(err) {
			return store.Profile{}, ErrEmailTaken
		}
		return store.Profile{}, fmt.Errorf("create profile: %w", err)
	}
	return profile, nil
}

// SignIn authenticates by email and password.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.Profile, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return store.Profile{}, ErrInvalidCredentials
	}

	profile, err := s.store.GetProfileByEmail(ctx, email)
	if err != nil {
		return store.Profile{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(profile.PasswordHash), []byte(password)); err != nil {
		return store.Profile{}, ErrInvalidCredentials
	}
	return profile, nil
}

// SetSecurityQuestion stores a recovery question with a hashed answer.
// Answers are case-folded and trimmed before hashing so "Rex " matches "rex".
func (s *Service) SetSecurityQuestion(ctx context.Context, userID, question, answer string) error {
	question = strings.TrimSpace(question)
	answer = normalizeAnswer(answer)
	if question == "" || answer == "" {
		return errors.New("question and answer are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(answer), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash answer: %w", err)
	}
	if err := s.store.SetSecurityQuestion(ctx, userID, question, string(hash)); err != nil {
		return fmt.Errorf("set security question: %w", err)
	}
	return nil
}

// SecurityQuestion returns the recovery question for an email, without
// revealing whether the answer has ever been attempted.
func (s *Service) SecurityQuestion(ctx context.Context, email string) (string, error) {
	profile, err := s.store.GetProfileByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return "", ErrInvalidCredentials
	}
	if profile.SecurityQuestion == "" {
		return "", ErrNoSecurityQuestion
	}
	return profile.SecurityQuestion, nil
}

// CheckSecurityAnswer verifies a recovery answer under the attempt limit.
// Once the limit is reached within the window, every further attempt is
// rejected with ErrRateLimited no matter whether the answer is correct.
// The attempt is recorded before the outcome is revealed to the caller.
func (s *Service) CheckSecurityAnswer(ctx context.Context, email, answer string) (store.Profile, error) {
	profile, err := s.store.GetProfileByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return store.Profile{}, ErrInvalidCredentials
	}
	if profile.SecurityAnswerHash == "" {
		return store.Profile{}, ErrNoSecurityQuestion
	}

	userID, err := uuid.Parse(profile.ID)
	if err != nil {
		return store.Profile{}, fmt.Errorf("parse profile id: %w", err)
	}

	failures, err := s.ledger.CountRecentFailures(ctx, userID, s.window)
	if err != nil {
		return store.Profile{}, fmt.Errorf("count attempts: %w", err)
	}
	if failures >= s.maxAttempts {
		return store.Profile{}, ErrRateLimited
	}

	ok := bcrypt.CompareHashAndPassword([]byte(profile.SecurityAnswerHash), []byte(normalizeAnswer(answer))) == nil
	if err := s.ledger.Record(ctx, userID, ok); err != nil {
		return store.Profile{}, fmt.Errorf("record attempt: %w", err)
	}
	if !ok {
		return store.Profile{}, ErrInvalidCredentials
	}
	return profile, nil
}

// ResetPasswordWithAnswer sets a new password after a successful recovery
// answer. The answer check above carries the rate limit.
func (s *Service) ResetPasswordWithAnswer(ctx context.Context, email, answer, newPassword string) error {
	if len(newPassword) < 8 {
		return errors.New("password must be at least 8 characters")
	}

	profile, err := s.CheckSecurityAnswer(ctx, email, answer)
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdateProfilePassword(ctx, profile.ID, string(hash)); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizeAnswer(answer string) string {
	return strings.ToLower(strings.TrimSpace(answer))
}

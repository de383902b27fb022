package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/services"
	"github.com/signalzero/kernel/pkg/store"
)

// Service manages users, login sessions and API keys.
type Service struct {
	store       store.Store
	internalKey string
	now         func() time.Time
}

// NewService creates the auth service. internalKey may be empty, which
// disables x-internal-key authentication.
func NewService(st store.Store, internalKey string) *Service {
	return &Service{store: st, internalKey: internalKey, now: time.Now}
}

// Initialized reports whether at least one user exists.
func (s *Service) Initialized(ctx context.Context) (bool, error) {
	ids, err := s.store.SMembers(ctx, store.KeyUsers)
	if err != nil {
		return false, fmt.Errorf("listing users: %w", err)
	}
	return len(ids) > 0, nil
}

// Setup creates the first user as an admin. Returns ErrConflict when any
// user already exists.
func (s *Service) Setup(ctx context.Context, username, password string) (*models.User, error) {
	initialized, err := s.Initialized(ctx)
	if err != nil {
		return nil, err
	}
	if initialized {
		return nil, services.ErrConflict
	}
	return s.CreateUser(ctx, username, password, models.RoleAdmin)
}

// CreateUser registers a user with a fresh API key.
func (s *Service) CreateUser(ctx context.Context, username, password string, role models.Role) (*models.User, error) {
	if username == "" {
		return nil, services.NewValidationError("username", "required")
	}
	if password == "" {
		return nil, services.NewValidationError("password", "required")
	}
	if role != models.RoleAdmin && role != models.RoleUser {
		return nil, services.NewValidationError("role", "must be admin or user")
	}
	if _, err := s.store.HGet(ctx, store.KeyUsernames, username); err == nil {
		return nil, services.ErrConflict
	}

	salt, hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	apiKey, err := NewToken()
	if err != nil {
		return nil, err
	}

	now := s.now()
	user := &models.User{
		ID:           uuid.New().String(),
		Username:     username,
		Salt:         salt,
		PasswordHash: hash,
		APIKey:       apiKey,
		Role:         role,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.saveUser(ctx, user); err != nil {
		return nil, err
	}
	if err := s.store.HSet(ctx, store.KeyUsernames, username, user.ID); err != nil {
		return nil, fmt.Errorf("indexing username: %w", err)
	}
	if err := s.store.HSet(ctx, store.KeyAPIKeys, apiKey, user.ID); err != nil {
		return nil, fmt.Errorf("indexing api key: %w", err)
	}
	if err := s.store.SAdd(ctx, store.KeyUsers, user.ID); err != nil {
		return nil, fmt.Errorf("registering user: %w", err)
	}
	return user, nil
}

// GetUser loads a user by ID.
func (s *Service) GetUser(ctx context.Context, id string) (*models.User, error) {
	raw, err := s.store.Get(ctx, store.UserKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, services.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading user %s: %w", id, err)
	}
	var user models.User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return nil, fmt.Errorf("decoding user %s: %w", id, err)
	}
	return &user, nil
}

// ListUsers returns all users sorted by the store's set ordering.
func (s *Service) ListUsers(ctx context.Context) ([]models.User, error) {
	ids, err := s.store.SMembers(ctx, store.KeyUsers)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	users := make([]models.User, 0, len(ids))
	for _, id := range ids {
		u, err := s.GetUser(ctx, id)
		if errors.Is(err, services.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, nil
}

// UpdateUser patches role and enabled state.
func (s *Service) UpdateUser(ctx context.Context, id string, role *models.Role, enabled *bool) (*models.User, error) {
	user, err := s.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if role != nil {
		if *role != models.RoleAdmin && *role != models.RoleUser {
			return nil, services.NewValidationError("role", "must be admin or user")
		}
		user.Role = *role
	}
	if enabled != nil {
		user.Enabled = *enabled
	}
	user.UpdatedAt = s.now()
	if err := s.saveUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// DeleteUser removes the user and its indexes.
func (s *Service) DeleteUser(ctx context.Context, id string) error {
	user, err := s.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.HDel(ctx, store.KeyUsernames, user.Username); err != nil {
		return fmt.Errorf("dropping username index: %w", err)
	}
	if user.APIKey != "" {
		if err := s.store.HDel(ctx, store.KeyAPIKeys, user.APIKey); err != nil {
			return fmt.Errorf("dropping api key index: %w", err)
		}
	}
	if err := s.store.SRem(ctx, store.KeyUsers, id); err != nil {
		return fmt.Errorf("deregistering user: %w", err)
	}
	return s.store.Del(ctx, store.UserKey(id))
}

// RotateAPIKey replaces the user's API key and returns the new value.
func (s *Service) RotateAPIKey(ctx context.Context, id string) (string, error) {
	user, err := s.GetUser(ctx, id)
	if err != nil {
		return "", err
	}
	apiKey, err := NewToken()
	if err != nil {
		return "", err
	}
	if user.APIKey != "" {
		if err := s.store.HDel(ctx, store.KeyAPIKeys, user.APIKey); err != nil {
			return "", fmt.Errorf("dropping old api key: %w", err)
		}
	}
	user.APIKey = apiKey
	user.UpdatedAt = s.now()
	if err := s.saveUser(ctx, user); err != nil {
		return "", err
	}
	if err := s.store.HSet(ctx, store.KeyAPIKeys, apiKey, user.ID); err != nil {
		return "", fmt.Errorf("indexing api key: %w", err)
	}
	return apiKey, nil
}

// Login verifies credentials and mints a session token. Disabled users and
// unknown usernames fail identically.
func (s *Service) Login(ctx context.Context, username, password string) (string, *models.User, error) {
	id, err := s.store.HGet(ctx, store.KeyUsernames, username)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, services.ErrUnauthorized
	}
	if err != nil {
		return "", nil, fmt.Errorf("resolving username: %w", err)
	}
	user, err := s.GetUser(ctx, id)
	if err != nil {
		return "", nil, services.ErrUnauthorized
	}
	if !user.Enabled || !VerifyPassword(password, user.Salt, user.PasswordHash) {
		return "", nil, services.ErrUnauthorized
	}
	token, err := NewToken()
	if err != nil {
		return "", nil, err
	}
	if err := s.store.Set(ctx, store.AuthTokenKey(token), user.ID, store.AuthTokenTTL); err != nil {
		return "", nil, fmt.Errorf("storing session token: %w", err)
	}
	return token, user, nil
}

// ChangePassword verifies the current password and replaces it.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !VerifyPassword(current, user.Salt, user.PasswordHash) {
		return services.ErrUnauthorized
	}
	if next == "" {
		return services.NewValidationError("newPassword", "required")
	}
	salt, hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	user.Salt = salt
	user.PasswordHash = hash
	user.UpdatedAt = s.now()
	return s.saveUser(ctx, user)
}

// Credentials carries the raw auth headers of one request.
type Credentials struct {
	BearerToken string // Authorization: Bearer or x-auth-token
	APIKey      string // x-api-key
	InternalKey string // x-internal-key
}

// Resolve turns request credentials into an auth context. Precedence:
// internal key, session token, API key.
func (s *Service) Resolve(ctx context.Context, creds Credentials) (Context, error) {
	if creds.InternalKey != "" && s.internalKey != "" && creds.InternalKey == s.internalKey {
		return Internal(), nil
	}
	if creds.BearerToken != "" {
		id, err := s.store.Get(ctx, store.AuthTokenKey(creds.BearerToken))
		if err == nil {
			return s.contextFor(ctx, id)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return Context{}, fmt.Errorf("resolving token: %w", err)
		}
	}
	if creds.APIKey != "" {
		id, err := s.store.HGet(ctx, store.KeyAPIKeys, creds.APIKey)
		if err == nil {
			return s.contextFor(ctx, id)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return Context{}, fmt.Errorf("resolving api key: %w", err)
		}
	}
	return Context{}, services.ErrUnauthorized
}

func (s *Service) contextFor(ctx context.Context, userID string) (Context, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil || !user.Enabled {
		return Context{}, services.ErrUnauthorized
	}
	return Context{UserID: user.ID, Username: user.Username, Role: user.Role}, nil
}

func (s *Service) saveUser(ctx context.Context, user *models.User) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encoding user: %w", err)
	}
	return s.store.Set(ctx, store.UserKey(user.ID), string(raw), 0)
}

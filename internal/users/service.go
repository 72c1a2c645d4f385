// Package users resolves remote person identifiers onto local LMS accounts.
package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/campussync/internal/lms"
	"github.com/patrickmn/go-cache"
)

var (
	// ErrUserNotFound means no local account matches the person yet.
	ErrUserNotFound = errors.New("users: no matching local user")
	// ErrUnmappedPersonType means the person id type has no configured field.
	ErrUnmappedPersonType = errors.New("users: person id type is not mapped")
	// ErrInvalidPerson indicates an empty person identifier.
	ErrInvalidPerson = errors.New("users: invalid person identifier")
)

// ServiceConfig describes the dependencies required for person resolution.
type ServiceConfig struct {
	Store *lms.Store
	// Fields maps a person id type onto a user field (username, email,
	// idnumber) or a custom profile field ("profile_field_<name>").
	Fields map[string]string
}

// Service resolves persons to user ids. Resolved ids are cached until Reset,
// which callers invoke at the start of every pass.
type Service struct {
	store  *lms.Store
	fields map[string]string
	cache  *cache.Cache
}

// NewService constructs the resolver.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("users: lms store required")
	}
	fields := make(map[string]string, len(cfg.Fields))
	for personType, field := range cfg.Fields {
		fields[string(ParsePersonIDType(personType))] = normalize(field)
	}
	return &Service{store: cfg.Store, fields: fields, cache: cache.New(cache.NoExpiration, 0)}, nil
}

// Reset drops every cached resolution.
func (s *Service) Reset() {
	s.cache.Flush()
}

// FieldFor returns the user field a person id type maps onto.
func (s *Service) FieldFor(personType PersonIDType) (string, bool) {
	field, ok := s.fields[string(personType)]
	return field, ok && field != ""
}

// ResolveUserID returns the local user id for a person. Misses are not cached
// so a user created later in the pass is picked up on the next call.
func (s *Service) ResolveUserID(ctx context.Context, personType PersonIDType, personID string) (int64, error) {
	personID = normalize(personID)
	if personID == "" {
		return 0, ErrInvalidPerson
	}
	field, ok := s.FieldFor(personType)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnmappedPersonType, personType)
	}

	cacheKey := string(personType) + ":" + personID
	if cached, ok := s.cache.Get(cacheKey); ok {
		if userID, ok := cached.(int64); ok {
			return userID, nil
		}
	}

	user, err := s.store.FindUser(ctx, field, personID)
	if errors.Is(err, lms.ErrNotFound) {
		return 0, fmt.Errorf("%w: %s=%q", ErrUserNotFound, personType, personID)
	}
	if err != nil {
		return 0, err
	}
	s.cache.SetDefault(cacheKey, user.ID)
	return user.ID, nil
}

// PersonID returns the identifier a local user is known by under personType.
func (s *Service) PersonID(ctx context.Context, userID int64, personType PersonIDType) (string, error) {
	field, ok := s.FieldFor(personType)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnmappedPersonType, personType)
	}
	value, err := s.store.UserFieldValue(ctx, userID, field)
	if errors.Is(err, lms.ErrNotFound) {
		return "", fmt.Errorf("%w: user %d", ErrUserNotFound, userID)
	}
	if err != nil {
		return "", err
	}
	if normalize(value) == "" {
		return "", fmt.Errorf("%w: user %d has no %s", ErrInvalidPerson, userID, field)
	}
	return normalize(value), nil
}

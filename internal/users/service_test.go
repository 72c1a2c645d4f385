package users

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/campussync/internal/database/dbtest"
	"github.com/MarcoPoloResearchLab/campussync/internal/lms"
)

func newTestService(t *testing.T) (*Service, *lms.Store) {
	t.Helper()
	store, err := lms.NewStore(dbtest.Open(t, lms.Models()...))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Store: store,
		Fields: map[string]string{
			"ecs_login": "username",
			"ecs_uid":   "idnumber",
			"ecs_email": "email",
			"ecs_ePPN":  "profile_field_eppn",
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, store
}

func TestResolveUserIDByMappedFields(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()
	user, err := store.CreateUser(ctx, lms.User{Username: "ada", Email: "ada@example.com", IDNumber: "u-1"})
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if err := store.SetUserField(ctx, user.ID, "eppn", "ada@campus"); err != nil {
		t.Fatalf("set field failed: %v", err)
	}

	cases := []struct {
		personType PersonIDType
		personID   string
	}{
		{PersonLogin, "ada"},
		{PersonUID, "u-1"},
		{PersonEmail, "ADA@example.com"},
		{PersonEPPN, "ada@campus"},
	}
	for _, testCase := range cases {
		userID, err := service.ResolveUserID(ctx, testCase.personType, testCase.personID)
		if err != nil {
			t.Fatalf("resolve %s failed: %v", testCase.personType, err)
		}
		if userID != user.ID {
			t.Fatalf("resolve %s returned %d, want %d", testCase.personType, userID, user.ID)
		}
	}
}

func TestResolveUserIDDoesNotCacheMisses(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()

	if _, err := service.ResolveUserID(ctx, PersonLogin, "late"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected user not found, got %v", err)
	}
	user, _ := store.CreateUser(ctx, lms.User{Username: "late"})
	userID, err := service.ResolveUserID(ctx, PersonLogin, "late")
	if err != nil || userID != user.ID {
		t.Fatalf("expected user to resolve once created, got %d (%v)", userID, err)
	}
}

func TestResolveUserIDRejectsUnmappedTypes(t *testing.T) {
	service, _ := newTestService(t)
	if _, err := service.ResolveUserID(context.Background(), PersonCustom, "x"); !errors.Is(err, ErrUnmappedPersonType) {
		t.Fatalf("expected unmapped type error, got %v", err)
	}
	if _, err := service.ResolveUserID(context.Background(), PersonLogin, " "); !errors.Is(err, ErrInvalidPerson) {
		t.Fatalf("expected invalid person error, got %v", err)
	}
}

func TestResetDropsCachedResolutions(t *testing.T) {
	service, store := newTestService(t)
	ctx := context.Background()
	user, _ := store.CreateUser(ctx, lms.User{Username: "grace"})
	if _, err := service.ResolveUserID(ctx, PersonLogin, "grace"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if _, ok := service.cache.Get("ecs_login:grace"); !ok {
		t.Fatalf("expected cached resolution for user %d", user.ID)
	}
	service.Reset()
	if _, ok := service.cache.Get("ecs_login:grace"); ok {
		t.Fatalf("expected cache to be empty after reset")
	}
}

func TestParsePersonIDType(t *testing.T) {
	if ParsePersonIDType("") != DefaultPersonIDType {
		t.Fatalf("expected default person id type")
	}
	if ParsePersonIDType("ECS_EMAIL") != PersonEmail {
		t.Fatalf("expected case-insensitive match")
	}
}

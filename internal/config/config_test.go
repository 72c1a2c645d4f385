package config

import (
	"strings"
	"testing"
	"time"
)

func validViper(t *testing.T) map[string]interface{} {
	t.Helper()
	return map[string]interface{}{
		"auth.signing_secret": "signing",
		"auth.admin_secret":   "admin",
		"ecs.connections": []map[string]interface{}{
			{
				"id":                 1,
				"name":               "campus",
				"url":                "https://ecs.example.com/api",
				"username":           "lms",
				"password":           "secret",
				"cms_participant_id": 7,
				"import_courses":     true,
				"enabled":            true,
			},
		},
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	for key, value := range validViper(t) {
		configViper.Set(key, value)
	}

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.CycleInterval != defaultCycleInterval {
		t.Fatalf("expected default cycle interval, got %v", cfg.CycleInterval)
	}
	if len(cfg.Connections) != 1 || cfg.Connections[0].Timeout != defaultBrokerTimeout {
		t.Fatalf("expected default broker timeout, got %#v", cfg.Connections)
	}
	if cfg.RoleMap["1"] != "student" {
		t.Fatalf("expected default role map, got %#v", cfg.RoleMap)
	}
	if cfg.PersonFields["ecs_email"] != "email" {
		t.Fatalf("expected default person field mapping, got %#v", cfg.PersonFields)
	}
	if len(cfg.EnabledConnections()) != 1 {
		t.Fatalf("expected one enabled connection")
	}
	if cfg.TokenTTL != 30*time.Minute {
		t.Fatalf("unexpected token ttl %v", cfg.TokenTTL)
	}
}

func TestLoadRejectsMissingConnectionAuth(t *testing.T) {
	configViper := NewViper()
	values := validViper(t)
	values["ecs.connections"] = []map[string]interface{}{
		{"id": 1, "url": "https://ecs.example.com", "cms_participant_id": 7, "enabled": true},
	}
	for key, value := range values {
		configViper.Set(key, value)
	}

	_, err := Load(configViper)
	if err == nil || !strings.Contains(err.Error(), "username and password") {
		t.Fatalf("expected auth validation error, got %v", err)
	}
}

func TestLoadRejectsDuplicateConnectionIDs(t *testing.T) {
	configViper := NewViper()
	values := validViper(t)
	connection := map[string]interface{}{
		"id": 2, "url": "https://ecs.example.com", "username": "u", "password": "p",
	}
	values["ecs.connections"] = []map[string]interface{}{connection, connection}
	for key, value := range values {
		configViper.Set(key, value)
	}

	_, err := Load(configViper)
	if err == nil || !strings.Contains(err.Error(), "duplicate id") {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestLoadRequiresCMSParticipantForImports(t *testing.T) {
	configViper := NewViper()
	values := validViper(t)
	values["ecs.connections"] = []map[string]interface{}{
		{"id": 3, "url": "https://ecs.example.com", "username": "u", "password": "p", "import_memberships": true},
	}
	for key, value := range values {
		configViper.Set(key, value)
	}

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected cms participant validation error")
	}
}

func TestLoadRequiresSecrets(t *testing.T) {
	configViper := NewViper()
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected missing signing secret error")
	}
}

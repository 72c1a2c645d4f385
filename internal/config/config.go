package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "CAMPUSSYNC"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "campussync.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultCycleInterval   = 5 * time.Minute
	defaultTokenTTLMinutes = 30
	defaultBrokerTimeout   = 30 * time.Second
	defaultLMSBaseURL      = "http://localhost"
)

// Connection describes one broker (ECS) the service synchronizes with.
type Connection struct {
	ID                int64         `mapstructure:"id"`
	Name              string        `mapstructure:"name"`
	URL               string        `mapstructure:"url"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	CMSParticipantID  int64         `mapstructure:"cms_participant_id"`
	Timeout           time.Duration `mapstructure:"timeout"`
	ImportCourses     bool          `mapstructure:"import_courses"`
	ImportMemberships bool          `mapstructure:"import_memberships"`
	ImportDirectories bool          `mapstructure:"import_directories"`
	ExportCourses     bool          `mapstructure:"export_courses"`
	ImportCategoryID  int64         `mapstructure:"import_category_id"`
	Enabled           bool          `mapstructure:"enabled"`
}

// AppConfig captures runtime configuration for the sync service.
type AppConfig struct {
	HTTPAddress         string
	DatabasePath        string
	LogLevel            string
	LogFormat           string
	CycleInterval       time.Duration
	LMSBaseURL          string
	SigningSecret       string
	AdminSecret         string
	TokenTTL            time.Duration
	MetadataMappingFile string
	RoleMap             map[string]string
	PersonFields        map[string]string
	Connections         []Connection
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("cycle.interval", defaultCycleInterval)
	configViper.SetDefault("lms.base_url", defaultLMSBaseURL)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("membership.role_map", map[string]string{
		"0": "editingteacher",
		"1": "student",
		"2": "teacher",
		"3": "student",
		"4": "teacher",
	})
	configViper.SetDefault("membership.person_fields", map[string]string{
		"ecs_login":              "username",
		"ecs_loginUID":           "username",
		"ecs_uid":                "idnumber",
		"ecs_email":              "email",
		"ecs_ePPN":               "profile_field_eppn",
		"ecs_PersonalUniqueCode": "profile_field_puc",
		"ecs_custom":             "profile_field_custom",
	})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	var connections []Connection
	if err := configViper.UnmarshalKey("ecs.connections", &connections); err != nil {
		return AppConfig{}, fmt.Errorf("ecs.connections: %w", err)
	}
	for index := range connections {
		if connections[index].Timeout <= 0 {
			connections[index].Timeout = defaultBrokerTimeout
		}
	}

	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		LogFormat:           configViper.GetString("log.format"),
		CycleInterval:       configViper.GetDuration("cycle.interval"),
		LMSBaseURL:          strings.TrimRight(configViper.GetString("lms.base_url"), "/"),
		SigningSecret:       configViper.GetString("auth.signing_secret"),
		AdminSecret:         configViper.GetString("auth.admin_secret"),
		TokenTTL:            time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		MetadataMappingFile: configViper.GetString("metadata.mapping_file"),
		RoleMap:             configViper.GetStringMapString("membership.role_map"),
		PersonFields:        configViper.GetStringMapString("membership.person_fields"),
		Connections:         connections,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// EnabledConnections returns the connections that take part in sync cycles.
func (c AppConfig) EnabledConnections() []Connection {
	enabled := make([]Connection, 0, len(c.Connections))
	for _, connection := range c.Connections {
		if connection.Enabled {
			enabled = append(enabled, connection)
		}
	}
	return enabled
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AdminSecret) == "" {
		return fmt.Errorf("auth.admin_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.CycleInterval <= 0 {
		return fmt.Errorf("cycle.interval must be positive")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if _, err := url.ParseRequestURI(c.LMSBaseURL); err != nil {
		return fmt.Errorf("lms.base_url is invalid: %w", err)
	}
	seen := make(map[int64]struct{}, len(c.Connections))
	for _, connection := range c.Connections {
		if err := connection.Validate(); err != nil {
			return err
		}
		if _, duplicate := seen[connection.ID]; duplicate {
			return fmt.Errorf("ecs.connections: duplicate id %d", connection.ID)
		}
		seen[connection.ID] = struct{}{}
	}
	return nil
}

// Validate checks the settings of a single broker connection.
func (c Connection) Validate() error {
	if c.ID <= 0 {
		return fmt.Errorf("ecs.connections: id must be positive")
	}
	if _, err := url.ParseRequestURI(strings.TrimSpace(c.URL)); err != nil {
		return fmt.Errorf("ecs.connections[%d]: url is invalid: %w", c.ID, err)
	}
	if strings.TrimSpace(c.Username) == "" || c.Password == "" {
		return fmt.Errorf("ecs.connections[%d]: username and password are required", c.ID)
	}
	needsCMS := c.ImportCourses || c.ImportMemberships || c.ImportDirectories
	if needsCMS && c.CMSParticipantID <= 0 {
		return fmt.Errorf("ecs.connections[%d]: cms_participant_id is required for imports", c.ID)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("ecs.connections[%d]: timeout must be positive", c.ID)
	}
	return nil
}

package internal

import (
	"fmt"
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/dyad/internal/index"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Document backends.
const (
	BackendFS       = "fs"
	BackendDynamoDB = "dynamodb"
)

// Config represents the application configuration.
type Config struct {
	App        ApplicationConfig `yaml:"app"`
	Models     ModelsConfig      `yaml:"models"`
	Documents  DocumentsConfig   `yaml:"documents"`
	Relational RelationalConfig  `yaml:"relational"`
	Auth       AuthConfig        `yaml:"auth"`
	Sync       SyncConfig        `yaml:"sync"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Models.Validate(); err != nil {
		return err
	}
	if err := c.Documents.Validate(); err != nil {
		return err
	}
	if err := c.Relational.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// ModelsConfig points at the directory of YAML model definitions.
type ModelsConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the models configuration.
func (c *ModelsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// DocumentsConfig selects and configures the document backend.
type DocumentsConfig struct {
	Backend  string         `yaml:"backend"`
	Path     string         `yaml:"path"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb"`
}

// Validate validates the documents configuration. Path is required for
// the fs backend and a region for dynamodb.
func (c *DocumentsConfig) Validate() error {
	if c.Backend == "" {
		c.Backend = BackendFS
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Backend, validation.Required, validation.In(BackendFS, BackendDynamoDB)),
		validation.Field(&c.Path, validation.When(c.Backend == BackendFS, validation.Required)),
	); err != nil {
		return fmt.Errorf("documents: %w", err)
	}
	if c.Backend == BackendDynamoDB {
		return c.DynamoDB.Validate()
	}
	return nil
}

// DynamoDBConfig configures the DynamoDB document backend. Endpoint
// overrides the AWS endpoint, e.g. for DynamoDB Local.
type DynamoDBConfig struct {
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	TablePrefix string `yaml:"table_prefix"`
}

// Validate validates the DynamoDB configuration.
func (c *DynamoDBConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Region, validation.Required),
	); err != nil {
		return fmt.Errorf("documents.dynamodb: %w", err)
	}
	return nil
}

// RelationalConfig holds the projection database settings.
type RelationalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Validate validates the relational configuration.
func (c *RelationalConfig) Validate() error {
	if c.Driver == "" {
		c.Driver = index.DriverSQLite
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.Required, validation.In(index.DriverSQLite, index.DriverPostgres)),
		validation.Field(&c.DSN, validation.Required),
	); err != nil {
		return fmt.Errorf("relational: %w", err)
	}
	return nil
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// SyncConfig controls background projection repair.
type SyncConfig struct {
	// Watch re-projects documents changed on disk. Only the fs backend
	// supports it.
	Watch bool `yaml:"watch"`
	// ReconcileOnStart re-projects every document before serving.
	ReconcileOnStart bool `yaml:"reconcile_on_start"`
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Models: ModelsConfig{
			Path: "./models",
		},
		Documents: DocumentsConfig{
			Backend: BackendFS,
			Path:    "./data",
		},
		Relational: RelationalConfig{
			Driver: index.DriverSQLite,
			DSN:    "./dyad.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Sync: SyncConfig{
			Watch: true,
		},
	}
}

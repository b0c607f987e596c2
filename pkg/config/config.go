package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" envconfig:"SERVER"`
	Logging      LoggingConfig      `yaml:"logging" envconfig:"LOGGING"`
	VerifiedID   VerifiedIDConfig   `yaml:"verified_id" envconfig:"VERIFIED_ID"`
	Issuance     IssuanceConfig     `yaml:"issuance" envconfig:"ISSUANCE"`
	Presentation PresentationConfig `yaml:"presentation" envconfig:"PRESENTATION"`
	Callbacks    CallbackConfig     `yaml:"callbacks" envconfig:"CALLBACKS"`
	Store        StoreConfig        `yaml:"store" envconfig:"STORE"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host string `yaml:"host" envconfig:"HOST"`
	Port int    `yaml:"port" envconfig:"PORT"`
	// BaseURL is the externally reachable URL used to build callback URLs.
	// When empty it is derived from each inbound request.
	BaseURL string `yaml:"base_url" envconfig:"BASE_URL"`
	// APIKey is the shared secret the Request Service echoes back in the
	// api-key header of every callback. Generated at startup if empty; must be
	// set explicitly when running more than one instance.
	APIKey         string   `yaml:"api_key" envconfig:"API_KEY"`
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	// MetricsToken protects /metrics with a bearer token when set
	MetricsToken string `yaml:"metrics_token" envconfig:"METRICS_TOKEN"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" envconfig:"FORMAT"` // json, text
}

// VerifiedIDConfig describes how to reach and authenticate against the
// Verified ID Request Service.
type VerifiedIDConfig struct {
	// Endpoint is the Request Service base URL, ending in a slash.
	Endpoint string `yaml:"endpoint" envconfig:"ENDPOINT"`
	// Instance is the authority template; {0} or %s is replaced by the tenant id.
	Instance string `yaml:"instance" envconfig:"INSTANCE"`
	TenantID string `yaml:"tenant_id" envconfig:"TENANT_ID"`
	ClientID string `yaml:"client_id" envconfig:"CLIENT_ID"`
	// Scope is the resource scope, in the form "<resource>/.default".
	Scope string `yaml:"scope" envconfig:"SCOPE"`

	// Exactly one credential type must be configured.
	ClientSecret    string `yaml:"client_secret" envconfig:"CLIENT_SECRET"`
	CertificatePath string `yaml:"certificate_path" envconfig:"CERTIFICATE_PATH"`
	PrivateKeyPath  string `yaml:"private_key_path" envconfig:"PRIVATE_KEY_PATH"`
	ManagedIdentity bool   `yaml:"managed_identity" envconfig:"MANAGED_IDENTITY"`

	DIDAuthority string `yaml:"did_authority" envconfig:"DID_AUTHORITY"`
	ClientName   string `yaml:"client_name" envconfig:"CLIENT_NAME"`
	Timeout      int    `yaml:"timeout" envconfig:"TIMEOUT"` // seconds
}

// Authority returns the token authority URL for the configured tenant.
func (c *VerifiedIDConfig) Authority() string {
	instance := c.Instance
	switch {
	case strings.Contains(instance, "{0}"):
		return strings.ReplaceAll(instance, "{0}", c.TenantID)
	case strings.Contains(instance, "%s"):
		return fmt.Sprintf(instance, c.TenantID)
	default:
		return strings.TrimSuffix(instance, "/") + "/" + c.TenantID
	}
}

// CredentialTypes counts how many client credential kinds are configured.
func (c *VerifiedIDConfig) CredentialTypes() int {
	n := 0
	if c.ClientSecret != "" {
		n++
	}
	if c.CertificatePath != "" {
		n++
	}
	if c.ManagedIdentity {
		n++
	}
	return n
}

// IssuanceConfig contains the static parts of every issuance request
type IssuanceConfig struct {
	CredentialType string `yaml:"credential_type" envconfig:"CREDENTIAL_TYPE"`
	ManifestURL    string `yaml:"manifest_url" envconfig:"MANIFEST_URL"`
	// PinCodeLength enables a PIN for desktop clients; 0 disables it.
	PinCodeLength  int               `yaml:"pin_code_length" envconfig:"PIN_CODE_LENGTH"`
	Claims         map[string]string `yaml:"claims" envconfig:"CLAIMS"`
	PhotoClaimName string            `yaml:"photo_claim_name" envconfig:"PHOTO_CLAIM_NAME"`
	ExpirationDays int               `yaml:"expiration_days" envconfig:"EXPIRATION_DAYS"`

	ManifestImages ManifestImagesConfig `yaml:"manifest_images" envconfig:"MANIFEST_IMAGES"`
}

// ManifestImagesConfig controls inlining of manifest card images
type ManifestImagesConfig struct {
	Embed   bool  `yaml:"embed" envconfig:"EMBED"`
	MaxSize int64 `yaml:"max_size" envconfig:"MAX_SIZE"` // bytes
	Timeout int   `yaml:"timeout" envconfig:"TIMEOUT"`   // seconds
}

// PresentationConfig contains the static parts of every presentation request
type PresentationConfig struct {
	CredentialType       string             `yaml:"credential_type" envconfig:"CREDENTIAL_TYPE"`
	Purpose              string             `yaml:"purpose" envconfig:"PURPOSE"`
	AcceptedIssuers      []string           `yaml:"accepted_issuers" envconfig:"ACCEPTED_ISSUERS"`
	IncludeReceipt       bool               `yaml:"include_receipt" envconfig:"INCLUDE_RECEIPT"`
	AllowRevoked         bool               `yaml:"allow_revoked" envconfig:"ALLOW_REVOKED"`
	ValidateLinkedDomain bool               `yaml:"validate_linked_domain" envconfig:"VALIDATE_LINKED_DOMAIN"`
	FaceCheck            FaceCheckConfig    `yaml:"face_check" envconfig:"FACE_CHECK"`
	Constraints          []ConstraintConfig `yaml:"constraints" ignored:"true"`
}

// FaceCheckConfig configures the optional face check on presentation
type FaceCheckConfig struct {
	Enabled             bool   `yaml:"enabled" envconfig:"ENABLED"`
	PhotoClaimName      string `yaml:"photo_claim_name" envconfig:"PHOTO_CLAIM_NAME"`
	ConfidenceThreshold int    `yaml:"confidence_threshold" envconfig:"CONFIDENCE_THRESHOLD"`
}

// ConstraintConfig is a claim constraint applied to every presentation request
type ConstraintConfig struct {
	ClaimName  string   `yaml:"claim_name"`
	Values     []string `yaml:"values"`
	Contains   string   `yaml:"contains"`
	StartsWith string   `yaml:"starts_with"`
}

// CallbackConfig controls correlation state lifetime
type CallbackConfig struct {
	TTLSeconds             int  `yaml:"ttl_seconds" envconfig:"TTL_SECONDS"`
	RemoveOnTerminalRead   bool `yaml:"remove_on_terminal_read" envconfig:"REMOVE_ON_TERMINAL_READ"`
	CleanupIntervalSeconds int  `yaml:"cleanup_interval_seconds" envconfig:"CLEANUP_INTERVAL_SECONDS"`
}

// StoreConfig selects the callback store backend
type StoreConfig struct {
	Type    string        `yaml:"type" envconfig:"TYPE"` // memory, redis, mongodb
	Redis   RedisConfig   `yaml:"redis" envconfig:"REDIS"`
	MongoDB MongoDBConfig `yaml:"mongodb" envconfig:"MONGODB"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	URL       string `yaml:"url" envconfig:"URL"`
	KeyPrefix string `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
}

// MongoDBConfig contains MongoDB-specific configuration
type MongoDBConfig struct {
	URI        string `yaml:"uri" envconfig:"URI"`
	Database   string `yaml:"database" envconfig:"DATABASE"`
	Collection string `yaml:"collection" envconfig:"COLLECTION"`
	Timeout    int    `yaml:"timeout" envconfig:"TIMEOUT"` // seconds
}

// RateLimitConfig limits unauthenticated uploads per client IP
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" envconfig:"ENABLED"`
	RequestsPerMinute int  `yaml:"requests_per_minute" envconfig:"REQUESTS_PER_MINUTE"`
	BurstSize         int  `yaml:"burst_size" envconfig:"BURST_SIZE"`
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Load from YAML file if provided (overrides defaults)
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// File doesn't exist, that's ok - we'll use defaults and env vars
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("VCREQ", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns the default configuration without reading files or the environment.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible default values
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		VerifiedID: VerifiedIDConfig{
			Endpoint:   "https://verifiedid.did.msidentity.com/v1.0/",
			Instance:   "https://login.microsoftonline.com/{0}",
			Scope:      "3db474b9-6a0c-4840-96ac-1fceb342124f/.default",
			ClientName: "Verified ID Sample",
			Timeout:    30,
		},
		Issuance: IssuanceConfig{
			PhotoClaimName: "photo",
			ManifestImages: ManifestImagesConfig{
				Embed:   true,
				MaxSize: 1 << 20,
				Timeout: 10,
			},
		},
		Presentation: PresentationConfig{
			Purpose:              "To prove your identity",
			IncludeReceipt:       false,
			ValidateLinkedDomain: true,
			FaceCheck: FaceCheckConfig{
				PhotoClaimName:      "photo",
				ConfidenceThreshold: 70,
			},
		},
		Callbacks: CallbackConfig{
			TTLSeconds:             300,
			RemoveOnTerminalRead:   true,
			CleanupIntervalSeconds: 60,
		},
		Store: StoreConfig{
			Type: "memory",
			Redis: RedisConfig{
				URL:       "redis://localhost:6379/0",
				KeyPrefix: "vcrequest:state:",
			},
			MongoDB: MongoDBConfig{
				URI:        "mongodb://localhost:27017",
				Database:   "vcrequest",
				Collection: "callback_states",
				Timeout:    10,
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 30,
			BurstSize:         5,
		},
	}
}

// Validate validates the configuration. Credential configuration is checked
// by the token provider at request time so a misconfigured tenant surfaces
// as a ConfigError to the caller rather than preventing startup.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.VerifiedID.Endpoint == "" {
		return fmt.Errorf("verified_id endpoint is required")
	}

	if c.Issuance.PinCodeLength != 0 && (c.Issuance.PinCodeLength < 4 || c.Issuance.PinCodeLength > 16) {
		return fmt.Errorf("invalid pin_code_length: %d (must be 0 or between 4 and 16)", c.Issuance.PinCodeLength)
	}

	if c.Callbacks.TTLSeconds < 1 {
		return fmt.Errorf("invalid callbacks ttl_seconds: %d", c.Callbacks.TTLSeconds)
	}

	if ft := c.Presentation.FaceCheck; ft.Enabled && (ft.ConfidenceThreshold < 50 || ft.ConfidenceThreshold > 100) {
		return fmt.Errorf("invalid face_check confidence_threshold: %d (must be between 50 and 100)", ft.ConfidenceThreshold)
	}

	switch c.Store.Type {
	case "memory":
	case "redis":
		if c.Store.Redis.URL == "" {
			return fmt.Errorf("redis url is required when using redis store")
		}
	case "mongodb":
		if c.Store.MongoDB.URI == "" {
			return fmt.Errorf("mongodb uri is required when using mongodb store")
		}
	default:
		return fmt.Errorf("invalid store type: %s (must be memory, redis, or mongodb)", c.Store.Type)
	}

	return nil
}

// Address returns the server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

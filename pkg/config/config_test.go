package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate_InvalidPort(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"port too low", 0},
		{"port negative", -1},
		{"port too high", 65536},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Server.Port = tt.port
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_Validate_PinCodeLength(t *testing.T) {
	tests := []struct {
		length  int
		wantErr bool
	}{
		{0, false},
		{3, true},
		{4, false},
		{6, false},
		{16, false},
		{17, true},
	}

	for _, tt := range tests {
		cfg := Default()
		cfg.Issuance.PinCodeLength = tt.length
		err := cfg.Validate()
		if tt.wantErr {
			assert.Error(t, err, "length %d", tt.length)
		} else {
			assert.NoError(t, err, "length %d", tt.length)
		}
	}
}

func TestConfig_Validate_InvalidStoreType(t *testing.T) {
	cfg := Default()
	cfg.Store.Type = "etcd"
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_RedisWithoutURL(t *testing.T) {
	cfg := Default()
	cfg.Store.Type = "redis"
	cfg.Store.Redis.URL = ""
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_MongoDBWithoutURI(t *testing.T) {
	cfg := Default()
	cfg.Store.Type = "mongodb"
	cfg.Store.MongoDB.URI = ""
	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_FaceCheckThreshold(t *testing.T) {
	cfg := Default()
	cfg.Presentation.FaceCheck.Enabled = true
	cfg.Presentation.FaceCheck.ConfidenceThreshold = 20
	assert.Error(t, cfg.Validate())

	cfg.Presentation.FaceCheck.ConfidenceThreshold = 80
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate_ZeroTTL(t *testing.T) {
	cfg := Default()
	cfg.Callbacks.TTLSeconds = 0
	assert.Error(t, cfg.Validate())
}

func TestVerifiedIDConfig_Authority(t *testing.T) {
	tests := []struct {
		name     string
		instance string
		want     string
	}{
		{"dotnet placeholder", "https://login.microsoftonline.com/{0}", "https://login.microsoftonline.com/tenant-1"},
		{"printf placeholder", "https://login.microsoftonline.com/%s", "https://login.microsoftonline.com/tenant-1"},
		{"bare instance", "https://login.microsoftonline.com/", "https://login.microsoftonline.com/tenant-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := VerifiedIDConfig{Instance: tt.instance, TenantID: "tenant-1"}
			assert.Equal(t, tt.want, c.Authority())
		})
	}
}

func TestVerifiedIDConfig_CredentialTypes(t *testing.T) {
	c := VerifiedIDConfig{}
	assert.Equal(t, 0, c.CredentialTypes())

	c.ClientSecret = "secret"
	assert.Equal(t, 1, c.CredentialTypes())

	c.ManagedIdentity = true
	assert.Equal(t, 2, c.CredentialTypes())
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, 300, cfg.Callbacks.TTLSeconds)
	assert.True(t, cfg.Callbacks.RemoveOnTerminalRead)
	assert.Equal(t, "3db474b9-6a0c-4840-96ac-1fceb342124f/.default", cfg.VerifiedID.Scope)
	assert.True(t, cfg.Issuance.ManifestImages.Embed)
	assert.Equal(t, int64(1<<20), cfg.Issuance.ManifestImages.MaxSize)
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
  base_url: https://vc.example.com
verified_id:
  tenant_id: tenant-1
  client_id: client-1
  client_secret: s3cret
  did_authority: did:web:example.com
issuance:
  credential_type: VerifiedEmployee
  manifest_url: https://example.com/manifest
  pin_code_length: 4
  claims:
    given_name: Megan
presentation:
  accepted_issuers:
    - did:web:example.com
  constraints:
    - claim_name: department
      values: [sales, support]
callbacks:
  ttl_seconds: 120
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "https://vc.example.com", cfg.Server.BaseURL)
	assert.Equal(t, "s3cret", cfg.VerifiedID.ClientSecret)
	assert.Equal(t, 4, cfg.Issuance.PinCodeLength)
	assert.Equal(t, "Megan", cfg.Issuance.Claims["given_name"])
	assert.Equal(t, []string{"did:web:example.com"}, cfg.Presentation.AcceptedIssuers)
	require.Len(t, cfg.Presentation.Constraints, 1)
	assert.Equal(t, []string{"sales", "support"}, cfg.Presentation.Constraints[0].Values)
	assert.Equal(t, 120, cfg.Callbacks.TTLSeconds)
	// Defaults not present in the file are preserved
	assert.Equal(t, "memory", cfg.Store.Type)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("VCREQ_SERVER_PORT", "7070")
	t.Setenv("VCREQ_VERIFIED_ID_CLIENT_ID", "env-client")
	t.Setenv("VCREQ_STORE_TYPE", "redis")
	t.Setenv("VCREQ_ISSUANCE_MANIFEST_IMAGES_EMBED", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "env-client", cfg.VerifiedID.ClientID)
	assert.Equal(t, "redis", cfg.Store.Type)
	assert.False(t, cfg.Issuance.ManifestImages.Embed)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestServerConfig_Address(t *testing.T) {
	c := ServerConfig{Host: "127.0.0.1", Port: 8080}
	assert.Equal(t, "127.0.0.1:8080", c.Address())
}

func TestLoad_SampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, Default().VerifiedID.Endpoint, cfg.VerifiedID.Endpoint)
	assert.Equal(t, "vcrequest:state:", cfg.Store.Redis.KeyPrefix)
	assert.True(t, cfg.Issuance.ManifestImages.Embed)
}

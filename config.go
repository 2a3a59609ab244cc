package identityd

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

// Defaults applied by Config.applyDefaults.
const (
	DefaultListenAddr     = ":5001"
	DefaultAccessTokenTTL = 1 * time.Hour
	DefaultRefreshTTL     = 30 * 24 * time.Hour
	DefaultCodeTTL        = 5 * time.Minute
	DefaultSessionTTL     = 8 * time.Hour
	DefaultRequestTimeout = 30 * time.Second

	// MaxCodeTTL caps authorization-code lifetime regardless of configuration.
	MaxCodeTTL = 10 * time.Minute
)

// Duration is a time.Duration that unmarshals from YAML strings ("10m") or
// integer seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.BytesUnmarshaler.
func (d *Duration) UnmarshalYAML(b []byte) error {
	s := string(b)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	// yaml scalars may arrive quoted
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("identityd: invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ClientConfig declares a registered OAuth client. Exactly one of Secret or
// SecretHash should be set for confidential clients; Secret is hashed with
// bcrypt at load time and is meant for development configs only.
type ClientConfig struct {
	ID                     string   `yaml:"id" validate:"required"`
	Secret                 string   `yaml:"secret"`
	SecretHash             string   `yaml:"secret_hash"`
	GrantTypes             []string `yaml:"grant_types" validate:"required,min=1,dive,oneof=authorization_code client_credentials refresh_token"`
	RedirectURIs           []string `yaml:"redirect_uris" validate:"dive,uri"`
	PostLogoutRedirectURIs []string `yaml:"post_logout_redirect_uris" validate:"dive,uri"`
	AllowedScopes          []string `yaml:"allowed_scopes" validate:"required,min=1"`
	RequirePKCE            *bool    `yaml:"require_pkce"`
	AllowOfflineAccess     bool     `yaml:"allow_offline_access"`
	AccessTokenTTL         Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL        Duration `yaml:"refresh_token_ttl"`
	RefreshTokenUsage      string   `yaml:"refresh_token_usage" validate:"omitempty,oneof=one_time reuse"`
	SlidingRefreshExpiry   bool     `yaml:"sliding_refresh_expiry"`
}

// ScopeConfig declares a registered scope.
type ScopeConfig struct {
	Name        string `yaml:"name" validate:"required"`
	DisplayName string `yaml:"display_name"`
	Kind        string `yaml:"kind" validate:"required,oneof=identity api"`
}

// UserConfig declares a test user for the in-memory credential store.
type UserConfig struct {
	ID           string `yaml:"id" validate:"required"`
	Username     string `yaml:"username" validate:"required"`
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`
	Name         string `yaml:"name"`
	Email        string `yaml:"email" validate:"omitempty,email"`
}

// Config holds the provider configuration, loaded once at process start and
// passed by handle into each component. No ambient or global lookup.
type Config struct {
	Issuer         string   `yaml:"issuer" validate:"required,url"`
	ListenAddr     string   `yaml:"listen_addr"`
	SigningKeyFile string   `yaml:"signing_key_file"`
	CodeTTL        Duration `yaml:"code_ttl"`
	SessionTTL     Duration `yaml:"session_ttl"`
	RequestTimeout Duration `yaml:"request_timeout"`
	MetricsEnabled bool     `yaml:"metrics_enabled"`

	Clients []ClientConfig `yaml:"clients" validate:"required,min=1,dive"`
	Scopes  []ScopeConfig  `yaml:"scopes" validate:"required,min=1,dive"`
	Users   []UserConfig   `yaml:"users" validate:"dive"`
}

// LoadConfig reads and validates a YAML configuration file. ISSUER and
// LISTEN_ADDR environment variables override the file values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identityd: read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("identityd: parse config: %w", err)
	}

	if v, ok := os.LookupEnv("ISSUER"); ok {
		cfg.Issuer = v
	}
	if v, ok := os.LookupEnv("LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.CodeTTL <= 0 {
		c.CodeTTL = Duration(DefaultCodeTTL)
	}
	if c.CodeTTL.Std() > MaxCodeTTL {
		c.CodeTTL = Duration(MaxCodeTTL)
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = Duration(DefaultSessionTTL)
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = Duration(DefaultRequestTimeout)
	}
}

// Validate runs struct validation plus cross-field checks that the tag
// language cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("identityd: invalid config: %w", err)
	}

	scopes := make(map[string]bool, len(c.Scopes))
	for _, s := range c.Scopes {
		if scopes[s.Name] {
			return fmt.Errorf("identityd: duplicate scope %q", s.Name)
		}
		scopes[s.Name] = true
	}

	ids := make(map[string]bool, len(c.Clients))
	for _, cc := range c.Clients {
		if ids[cc.ID] {
			return fmt.Errorf("identityd: duplicate client %q", cc.ID)
		}
		ids[cc.ID] = true

		if cc.Secret != "" && cc.SecretHash != "" {
			return fmt.Errorf("identityd: client %q: secret and secret_hash are mutually exclusive", cc.ID)
		}
		for _, s := range cc.AllowedScopes {
			if s != "offline_access" && !scopes[s] {
				return fmt.Errorf("identityd: client %q allows unregistered scope %q", cc.ID, s)
			}
		}
		usesCode := false
		for _, g := range cc.GrantTypes {
			if g == string(GrantAuthorizationCode) {
				usesCode = true
			}
			if g == string(GrantClientCredentials) && cc.Secret == "" && cc.SecretHash == "" {
				return fmt.Errorf("identityd: client %q: client_credentials requires a secret", cc.ID)
			}
		}
		if usesCode && len(cc.RedirectURIs) == 0 {
			return fmt.Errorf("identityd: client %q: authorization_code requires redirect_uris", cc.ID)
		}
		if cc.AllowOfflineAccess && !containsString(cc.GrantTypes, string(GrantRefreshToken)) {
			return fmt.Errorf("identityd: client %q: allow_offline_access requires the refresh_token grant", cc.ID)
		}
	}
	return nil
}

// Warnings reports deliberate development-only relaxations: PKCE-optional is
// never the default, so every client that disables it is called out at
// startup.
func (c *Config) Warnings() []string {
	var warns []string
	for _, cc := range c.Clients {
		if cc.RequirePKCE != nil && !*cc.RequirePKCE && containsString(cc.GrantTypes, string(GrantAuthorizationCode)) {
			warns = append(warns, fmt.Sprintf("client %q disables PKCE; acceptable for development only", cc.ID))
		}
		if cc.Secret != "" {
			warns = append(warns, fmt.Sprintf("client %q uses a plaintext secret in config; prefer secret_hash", cc.ID))
		}
	}
	for _, u := range c.Users {
		if u.Password != "" {
			warns = append(warns, fmt.Sprintf("user %q uses a plaintext password in config; prefer password_hash", u.Username))
		}
	}
	return warns
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

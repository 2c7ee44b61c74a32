package main

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config_defaults.toml
var configDefaultsData string

// Config is the issuer's file configuration.
type Config struct {
	Logging struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"logging"`
	Server struct {
		Listen             string        `toml:"listen"`
		Issuer             string        `toml:"issuer"`
		AllowInsecureHTTP  bool          `toml:"allow_insecure_http"`
		ReadTimeout        time.Duration `toml:"read_timeout"`
		WriteTimeout       time.Duration `toml:"write_timeout"`
		IdleTimeout        time.Duration `toml:"idle_timeout"`
		ShutdownTimeout    time.Duration `toml:"shutdown_timeout"`
		AuthorizeAPIKey    string        `toml:"authorize_api_key"`
		TrustProxy         bool          `toml:"trust_proxy"`
		TrustedProxies     int           `toml:"trusted_proxies"`
		CORSAllowedOrigins []string      `toml:"cors_allowed_origins"`
	} `toml:"server"`
	Tokens struct {
		AuthorizationCodeTTL time.Duration `toml:"authorization_code_ttl"`
		AccessTokenTTL       time.Duration `toml:"access_token_ttl"`
		IDTokenTTL           time.Duration `toml:"id_token_ttl"`
		RevokeLineageOnReuse bool          `toml:"revoke_lineage_on_reuse"`
	} `toml:"tokens"`
	RateLimit struct {
		Rate  int `toml:"rate"`
		Burst int `toml:"burst"`
	} `toml:"rate_limit"`
	Key struct {
		Source         string `toml:"source"`
		PEM            string `toml:"pem"`
		File           string `toml:"file"`
		EncryptionKey  string `toml:"encryption_key"`
		SecretsManager struct {
			Region       string `toml:"region"`
			SecretID     string `toml:"secret_id"`
			VersionStage string `toml:"version_stage"`
			Field        string `toml:"field"`
		} `toml:"secretsmanager"`
	} `toml:"key"`
	Storage struct {
		Type          string        `toml:"type"`
		PurgeInterval time.Duration `toml:"purge_interval"`
		SQLite        struct {
			File string `toml:"file"`
		} `toml:"sqlite"`
		Postgres struct {
			DSN string `toml:"dsn"`
		} `toml:"postgres"`
		Redis struct {
			URL       string `toml:"url"`
			KeyPrefix string `toml:"key_prefix"`
		} `toml:"redis"`
		Valkey struct {
			Address   string `toml:"address"`
			Password  string `toml:"password"`
			DB        int    `toml:"db"`
			KeyPrefix string `toml:"key_prefix"`
		} `toml:"valkey"`
	} `toml:"storage"`
	Metrics struct {
		Enabled      bool `toml:"enabled"`
		LogClientIPs bool `toml:"log_client_ips"`
	} `toml:"metrics"`
	Audit struct {
		Enabled bool `toml:"enabled"`
	} `toml:"audit"`
	Clients        []ClientConfig        `toml:"client"`
	ResourceOwners []ResourceOwnerConfig `toml:"resource_owner"`
}

// ClientConfig registers a client at startup. Secret may reference
// environment variables as ${NAME}.
type ClientConfig struct {
	ID           string   `toml:"id"`
	Name         string   `toml:"name"`
	Type         string   `toml:"type"`
	Secret       string   `toml:"secret"`
	RedirectURIs []string `toml:"redirect_uris"`
	Scopes       []string `toml:"scopes"`
}

// ResourceOwnerConfig registers a resource owner at startup.
type ResourceOwnerConfig struct {
	ID            string `toml:"id"`
	Email         string `toml:"email"`
	Name          string `toml:"name"`
	EmailVerified bool   `toml:"email_verified"`
}

// LoadConfig decodes the embedded defaults and, if path is not empty, the
// file at path on top of them. Unknown keys are logged, and rejected when
// strict is set.
func LoadConfig(path string, strict bool) (*Config, error) {
	config := &Config{}
	if _, err := toml.Decode(configDefaultsData, config); err != nil {
		return nil, fmt.Errorf("failed to decode config defaults (cause: %w)", err)
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return config, nil
	}

	slog.Info("loading config", slog.String("path", path))
	meta, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config '%s' (cause: %w)", path, err)
	}
	strictViolation := false
	for _, key := range meta.Undecoded() {
		strictViolation = true
		slog.Warn("unexpected configuration key", slog.String("path", path), slog.String("key", key.String()))
	}
	if strict && strictViolation {
		return nil, fmt.Errorf("config '%s' contains unexpected keys", path)
	}
	for i := range config.Clients {
		config.Clients[i].Secret = os.ExpandEnv(config.Clients[i].Secret)
	}
	return config, nil
}

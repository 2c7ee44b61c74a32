package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/giantswarm/oauth-issuer/jwtcodec"
	"github.com/giantswarm/oauth-issuer/security"
)

// envFileVar names the dotenv file loaded before flags are parsed.
const envFileVar = "OAUTH_ISSUER_ENV_FILE"

type cmdLine struct {
	Silent    bool       `short:"s" help:"Enable silent mode (log level error)"`
	Quiet     bool       `short:"q" help:"Enable quiet mode (log level warn)"`
	Verbose   bool       `short:"v" help:"Enable verbose output (log level info)"`
	Debug     bool       `short:"d" help:"Enable debug output (log level debug)"`
	RunCmd    runCmd     `cmd:"" name:"run" default:"withargs" help:"Run the issuer"`
	KeygenCmd keygenCmd  `cmd:"" name:"keygen" help:"Generate an ES256 signing key"`
	Version   versionCmd `cmd:"" name:"version" help:"Print the version"`

	ctx    context.Context
	stdout io.Writer
}

// Run parses args and executes the selected command.
func Run(ctx context.Context, args []string) error {
	if err := loadEnvFile(); err != nil {
		return err
	}
	cmdLine := &cmdLine{ctx: ctx, stdout: os.Stdout}
	parser, err := kong.New(cmdLine,
		kong.Name("oauth-issuer"),
		kong.Description("OAuth 2.0 and OpenID Connect token issuer"),
		kong.UsageOnError())
	if err != nil {
		return err
	}
	cmd, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return cmd.Run()
}

// loadEnvFile loads .env (or the file named by OAUTH_ISSUER_ENV_FILE) into the
// process environment. Variables that are already set win.
func loadEnvFile() error {
	path := os.Getenv(envFileVar)
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("failed to load env file '%s' (cause: %w)", path, err)
}

// logLevel applies the global verbosity flags over the configured level.
func (c *cmdLine) logLevel(configured string) slog.Level {
	switch {
	case c.Debug:
		return slog.LevelDebug
	case c.Verbose:
		return slog.LevelInfo
	case c.Quiet:
		return slog.LevelWarn
	case c.Silent:
		return slog.LevelError
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(configured)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

type runCmd struct {
	Config          string `short:"c" help:"The configuration file to use" env:"OAUTH_ISSUER_CONFIG" type:"path"`
	Strict          bool   `help:"Reject unknown configuration keys" env:"OAUTH_ISSUER_STRICT_CONFIG"`
	Listen          string `help:"Listen address" env:"OAUTH_ISSUER_LISTEN"`
	Issuer          string `help:"Issuer URL" env:"OAUTH_ISSUER_ISSUER"`
	Storage         string `help:"Storage backend (memory, memory-sqlite, sqlite, postgres, redis, valkey)" env:"OAUTH_ISSUER_STORAGE"`
	RedisURL        string `help:"Redis URL" env:"OAUTH_ISSUER_REDIS_URL"`
	ValkeyAddress   string `help:"Valkey address" env:"OAUTH_ISSUER_VALKEY_ADDRESS"`
	ValkeyPassword  string `help:"Valkey password" env:"OAUTH_ISSUER_VALKEY_PASSWORD"`
	PostgresDSN     string `help:"PostgreSQL URL" env:"OAUTH_ISSUER_POSTGRES_DSN"`
	KeySource       string `help:"Signing key source (dev, pem, file, secretsmanager)" env:"OAUTH_ISSUER_KEY_SOURCE"`
	KeyFile         string `help:"Signing key file" env:"OAUTH_ISSUER_KEY_FILE" type:"path"`
	KeyPEM          string `help:"Signing key PEM" env:"OAUTH_ISSUER_KEY_PEM"`
	EncryptionKey   string `help:"Base64 AES-256 key sealing the signing key file" env:"OAUTH_ISSUER_KEY_ENCRYPTION_KEY"`
	AuthorizeAPIKey string `help:"Bearer key required on the authorize endpoint" env:"OAUTH_ISSUER_AUTHORIZE_API_KEY"`
}

func (cmd *runCmd) Run(args *cmdLine) error {
	config, err := LoadConfig(cmd.Config, cmd.Strict)
	if err != nil {
		return err
	}
	cmd.applyOverrides(config)

	logger := newLogger(os.Stderr, config.Logging.Format, args.logLevel(config.Logging.Level))
	slog.SetDefault(logger)

	a, err := newApp(args.ctx, config, logger)
	if err != nil {
		return err
	}
	return a.serve(args.ctx)
}

// applyOverrides copies non-empty flags and environment values over the
// file configuration.
func (cmd *runCmd) applyOverrides(config *Config) {
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&config.Server.Listen, cmd.Listen)
	override(&config.Server.Issuer, cmd.Issuer)
	override(&config.Server.AuthorizeAPIKey, cmd.AuthorizeAPIKey)
	override(&config.Storage.Type, cmd.Storage)
	override(&config.Storage.Redis.URL, cmd.RedisURL)
	override(&config.Storage.Valkey.Address, cmd.ValkeyAddress)
	override(&config.Storage.Valkey.Password, cmd.ValkeyPassword)
	override(&config.Storage.Postgres.DSN, cmd.PostgresDSN)
	override(&config.Key.Source, cmd.KeySource)
	override(&config.Key.File, cmd.KeyFile)
	override(&config.Key.PEM, cmd.KeyPEM)
	override(&config.Key.EncryptionKey, cmd.EncryptionKey)
}

type keygenCmd struct {
	Out              string `short:"o" help:"Write the key to this file instead of stdout" type:"path"`
	EncryptionKey    string `help:"Base64 AES-256 key used to seal the PEM" env:"OAUTH_ISSUER_KEY_ENCRYPTION_KEY"`
	NewEncryptionKey bool   `help:"Print a fresh base64 encryption key and exit"`
}

func (cmd *keygenCmd) Run(args *cmdLine) error {
	if cmd.NewEncryptionKey {
		key, err := security.GenerateKey()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(args.stdout, security.KeyToBase64(key))
		return err
	}

	key, err := jwtcodec.GenerateKey()
	if err != nil {
		return err
	}
	data, err := jwtcodec.EncodePrivateKeyPEM(key)
	if err != nil {
		return err
	}
	if cmd.EncryptionKey != "" {
		enc, err := encryptorFromBase64(cmd.EncryptionKey)
		if err != nil {
			return err
		}
		if data, err = jwtcodec.Seal(enc, data); err != nil {
			return err
		}
	}

	if cmd.Out == "" {
		_, err = args.stdout.Write(data)
		return err
	}
	if err := os.WriteFile(cmd.Out, data, 0o600); err != nil {
		return fmt.Errorf("failed to write key file '%s' (cause: %w)", cmd.Out, err)
	}
	kid, err := jwtcodec.KeyID(&key.PublicKey)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(args.stdout, "wrote signing key %s to %s\n", kid, cmd.Out)
	return err
}

type versionCmd struct{}

func (versionCmd) Run(args *cmdLine) error {
	_, err := fmt.Fprintln(args.stdout, version)
	return err
}

func encryptorFromBase64(encoded string) (*security.Encryptor, error) {
	raw, err := security.KeyFromBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key (cause: %w)", err)
	}
	return security.NewEncryptor(raw)
}

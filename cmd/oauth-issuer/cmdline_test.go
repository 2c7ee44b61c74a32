package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/giantswarm/oauth-issuer/jwtcodec"
	"github.com/giantswarm/oauth-issuer/security"
)

func TestKeygenStdout(t *testing.T) {
	var out bytes.Buffer
	if err := (&keygenCmd{}).Run(&cmdLine{stdout: &out}); err != nil {
		t.Fatalf("keygen error = %v", err)
	}

	key, err := jwtcodec.ParsePrivateKeyPEM(out.Bytes())
	if err != nil {
		t.Fatalf("ParsePrivateKeyPEM() error = %v", err)
	}
	if name := key.Curve.Params().Name; name != "P-256" {
		t.Errorf("curve = %s, want P-256", name)
	}
}

func TestKeygenSealedFile(t *testing.T) {
	encKey, err := security.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	encoded := security.KeyToBase64(encKey)
	path := filepath.Join(t.TempDir(), "signing.key")

	var out bytes.Buffer
	cmd := &keygenCmd{Out: path, EncryptionKey: encoded}
	if err := cmd.Run(&cmdLine{stdout: &out}); err != nil {
		t.Fatalf("keygen error = %v", err)
	}
	if !strings.Contains(out.String(), path) {
		t.Errorf("output = %q, want path", out.String())
	}

	config, err := LoadConfig("", false)
	if err != nil {
		t.Fatal(err)
	}
	config.Key.Source = KeySourceFile
	config.Key.File = path
	config.Key.EncryptionKey = encoded
	source, err := keySource(context.Background(), config, slog.Default())
	if err != nil {
		t.Fatalf("keySource() error = %v", err)
	}
	if _, err := source.LoadSigningKey(context.Background()); err != nil {
		t.Fatalf("LoadSigningKey() error = %v", err)
	}

	config.Key.EncryptionKey = ""
	source, err = keySource(context.Background(), config, slog.Default())
	if err != nil {
		t.Fatalf("keySource() error = %v", err)
	}
	if _, err := source.LoadSigningKey(context.Background()); err == nil {
		t.Error("sealed key parsed without the encryption key")
	}
}

func TestKeygenNewEncryptionKey(t *testing.T) {
	var out bytes.Buffer
	if err := (&keygenCmd{NewEncryptionKey: true}).Run(&cmdLine{stdout: &out}); err != nil {
		t.Fatalf("keygen error = %v", err)
	}
	if _, err := security.KeyFromBase64(strings.TrimSpace(out.String())); err != nil {
		t.Errorf("KeyFromBase64() error = %v", err)
	}
}

func TestKeySourceSelection(t *testing.T) {
	config, err := LoadConfig("", false)
	if err != nil {
		t.Fatal(err)
	}

	source, err := keySource(context.Background(), config, slog.Default())
	if err != nil {
		t.Fatalf("keySource(dev) error = %v", err)
	}
	if _, ok := source.(jwtcodec.DevelopmentSource); !ok {
		t.Errorf("keySource(dev) = %T, want jwtcodec.DevelopmentSource", source)
	}

	for _, name := range []string{KeySourcePEM, KeySourceFile, "vault"} {
		config.Key.Source = name
		if _, err := keySource(context.Background(), config, slog.Default()); err == nil {
			t.Errorf("keySource(%s) without key material succeeded", name)
		}
	}
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		cmd   cmdLine
		level string
		want  slog.Level
	}{
		{cmdLine{}, "warn", slog.LevelWarn},
		{cmdLine{}, "bogus", slog.LevelInfo},
		{cmdLine{Debug: true}, "error", slog.LevelDebug},
		{cmdLine{Silent: true}, "info", slog.LevelError},
	}
	for _, tt := range tests {
		if got := tt.cmd.logLevel(tt.level); got != tt.want {
			t.Errorf("logLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestRunVersion(t *testing.T) {
	t.Setenv(envFileVar, "")
	if err := Run(context.Background(), []string{"version"}); err != nil {
		t.Errorf("Run(version) error = %v", err)
	}
}

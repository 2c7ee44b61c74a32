package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/giantswarm/oauth-issuer/jwtcodec"
)

// Signing key sources.
const (
	KeySourceDevelopment    = "dev"
	KeySourcePEM            = "pem"
	KeySourceFile           = "file"
	KeySourceSecretsManager = "secretsmanager"
)

func keySource(ctx context.Context, config *Config, logger *slog.Logger) (jwtcodec.KeySource, error) {
	switch config.Key.Source {
	case KeySourceDevelopment, "":
		return jwtcodec.DevelopmentSource{Logger: logger}, nil
	case KeySourcePEM:
		if config.Key.PEM == "" {
			return nil, fmt.Errorf("key.pem is required for key source '%s'", KeySourcePEM)
		}
		return jwtcodec.PEMSource{PEM: []byte(config.Key.PEM)}, nil
	case KeySourceFile:
		if config.Key.File == "" {
			return nil, fmt.Errorf("key.file is required for key source '%s'", KeySourceFile)
		}
		source := jwtcodec.FileSource{Path: config.Key.File}
		if config.Key.EncryptionKey != "" {
			enc, err := encryptorFromBase64(config.Key.EncryptionKey)
			if err != nil {
				return nil, err
			}
			source.Encryptor = enc
		}
		return source, nil
	case KeySourceSecretsManager:
		sm := config.Key.SecretsManager
		source, err := jwtcodec.NewSecretsManagerSource(ctx, sm.Region, sm.SecretID, sm.Field)
		if err != nil {
			return nil, err
		}
		source.VersionStage = sm.VersionStage
		return source, nil
	default:
		return nil, fmt.Errorf("unrecognized key source: '%s'", config.Key.Source)
	}
}

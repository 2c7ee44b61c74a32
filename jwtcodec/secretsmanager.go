package jwtcodec

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// DefaultVersionStage is the Secrets Manager version read when none is configured.
const DefaultVersionStage = "AWSCURRENT"

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerSource loads the signing key from AWS Secrets Manager.
//
// The secret payload is either the PEM key itself or, when Field is set, a JSON
// object whose Field member holds the PEM key.
type SecretsManagerSource struct {
	Client       SecretsManagerAPI
	SecretID     string
	VersionStage string
	Field        string
}

// NewSecretsManagerSource builds a source with a client from the default AWS
// credential chain. Region may be empty to use the environment.
func NewSecretsManagerSource(ctx context.Context, region, secretID, field string) (*SecretsManagerSource, error) {
	if secretID == "" {
		return nil, fmt.Errorf("secret id is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SecretsManagerSource{
		Client:   secretsmanager.NewFromConfig(cfg),
		SecretID: secretID,
		Field:    field,
	}, nil
}

// LoadSigningKey implements KeySource.
func (s *SecretsManagerSource) LoadSigningKey(ctx context.Context) (*ecdsa.PrivateKey, error) {
	stage := s.VersionStage
	if stage == "" {
		stage = DefaultVersionStage
	}

	out, err := s.Client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:     aws.String(s.SecretID),
		VersionStage: aws.String(stage),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching secret %s: %w", s.SecretID, err)
	}

	var payload []byte
	switch {
	case out.SecretString != nil:
		payload = []byte(*out.SecretString)
	case len(out.SecretBinary) > 0:
		payload = out.SecretBinary
	default:
		return nil, fmt.Errorf("secret %s has no payload", s.SecretID)
	}

	if s.Field != "" {
		var kv map[string]string
		if err := json.Unmarshal(payload, &kv); err != nil {
			return nil, fmt.Errorf("parsing secret %s as JSON: %w", s.SecretID, err)
		}
		value, ok := kv[s.Field]
		if !ok {
			return nil, fmt.Errorf("secret %s has no field %q", s.SecretID, s.Field)
		}
		payload = []byte(value)
	}

	return ParsePrivateKeyPEM(payload)
}

// Package rdsauth mints short-lived AWS RDS IAM authentication tokens to
// use as a database password substitute, so dbpulse can probe RDS/Aurora
// targets without a long-lived stored credential.
package rdsauth

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/rds/auth"
)

// TokenProvider generates an RDS IAM auth token for a given target.
type TokenProvider interface {
	Token(ctx context.Context, region, host string, port uint16, user string) (string, error)
}

// Provider is the default TokenProvider, backed by the AWS SDK's default
// credential chain.
type Provider struct{}

// NewProvider constructs a Provider.
func NewProvider() *Provider { return &Provider{} }

// Token builds an endpoint of the form host:port, loads the default AWS
// config (optionally pinned to region), and signs an RDS auth token valid
// for roughly 15 minutes. Tokens are never cached by this package: callers
// mint a fresh one once per probe iteration.
func (p *Provider) Token(ctx context.Context, region, host string, port uint16, user string) (string, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("rdsauth: load AWS config: %w", err)
	}

	endpoint := fmt.Sprintf("%s:%d", host, port)
	tok, err := auth.BuildAuthToken(ctx, endpoint, cfg.Region, user, cfg.Credentials)
	if err != nil {
		return "", fmt.Errorf("rdsauth: build auth token: %w", err)
	}
	return tok, nil
}

// Package awsutil loads AWS SDK configuration.
package awsutil

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
)

// Load returns the default AWS config for region. A non-empty endpoint (for
// example http://localstack:4566) overrides the base endpoint of every client
// built from the config.
func Load(ctx context.Context, region, endpoint string) (aws.Config, error) {
	opts := []func(*awsCfg.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsCfg.WithRegion(region))
	}
	if endpoint != "" {
		opts = append(opts, awsCfg.WithBaseEndpoint(endpoint))
	}
	cfg, err := awsCfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

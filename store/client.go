package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// DefaultRegion is the region the datastore table lives in.
const DefaultRegion = "eu-west-2"

// API is the part of the DynamoDB client the Store uses.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

// ClientConfig holds connection settings for NewDynamoClient.
type ClientConfig struct {
	// Region defaults to DefaultRegion.
	Region string

	// Endpoint overrides the DynamoDB endpoint, e.g. for DynamoDB Local.
	Endpoint string

	// RoleARN, RoleSessionName and STSEndpoint enable cross-account role
	// assumption. All three must be set.
	RoleARN         string
	RoleSessionName string
	STSEndpoint     string

	// CredentialAttempts bounds how many times refreshing assumed-role
	// credentials is attempted. Default: 2
	CredentialAttempts int

	Logger *slog.Logger
}

// NewDynamoClient builds a DynamoDB client from the default AWS
// configuration chain plus cfg.
func NewDynamoClient(ctx context.Context, cfg ClientConfig) (*dynamodb.Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	if cfg.RoleARN != "" && cfg.RoleSessionName != "" && cfg.STSEndpoint != "" {
		stsClient := sts.NewFromConfig(awsCfg, func(o *sts.Options) {
			o.BaseEndpoint = aws.String(cfg.STSEndpoint)
			o.RetryMaxAttempts = 4
		})
		provider := stscreds.NewAssumeRoleProvider(stsClient, cfg.RoleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = cfg.RoleSessionName
		})
		attempts := cfg.CredentialAttempts
		if attempts < 1 {
			attempts = 2
		}
		awsCfg.Credentials = aws.NewCredentialsCache(&retryingProvider{
			provider: provider,
			attempts: attempts,
			logger:   logger,
		})
		logger.Info("assuming role for datastore access", "role", cfg.RoleARN, "sessionName", cfg.RoleSessionName)
	} else {
		logger.Info("using default credentials for datastore access",
			"role", cfg.RoleARN,
			"sessionName", cfg.RoleSessionName,
			"endpoint", cfg.STSEndpoint,
		)
	}

	if cfg.Endpoint != "" {
		logger.Info("using dynamodb endpoint override", "awsEndpointUrl", cfg.Endpoint)
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// retryingProvider retries credential retrieval a fixed number of times.
type retryingProvider struct {
	provider aws.CredentialsProvider
	attempts int
	logger   *slog.Logger
}

func (p *retryingProvider) Retrieve(ctx context.Context) (aws.Credentials, error) {
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		creds, err := p.provider.Retrieve(ctx)
		if err == nil {
			return creds, nil
		}
		lastErr = err
		p.logger.Warn("credential refresh failed", "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return aws.Credentials{}, fmt.Errorf("no credentials after %d attempts: %w", p.attempts, lastErr)
}

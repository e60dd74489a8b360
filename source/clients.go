package source

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// S3API is the subset of the S3 API the log source needs.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ClientResolver hands out the right S3 client for a bucket: the default
// client for same-account buckets, or an assumed-role client for the Security
// Lake and Control Tower cross-account integrations.
type ClientResolver struct {
	awsConfig aws.Config
	def       S3API

	// role ARNs from the environment; empty means the integration is off
	SecurityLakeRoleARN      string
	SecurityLakeExternalID   string
	ControlTowerRoleARN      string

	mu       sync.Mutex
	assumed  map[string]S3API
}

func NewClientResolver(cfg aws.Config) *ClientResolver {
	return &ClientResolver{
		awsConfig: cfg,
		def:       s3.NewFromConfig(cfg),
		assumed:   make(map[string]S3API),
	}
}

// ClientFor picks the client for a key. The Security Lake and Control Tower
// log archives live in other accounts; reading them without the matching role
// ARN configured is an operator error that must fail loudly.
func (r *ClientResolver) ClientFor(bucket, key string) (S3API, error) {
	switch {
	case isSecurityLakeKey(bucket, key):
		if r.SecurityLakeRoleARN == "" {
			return nil, fmt.Errorf("object s3://%s/%s needs cross-account credentials: SECURITY_LAKE_ROLE_ARN is not set", bucket, key)
		}
		return r.assumedClient(r.SecurityLakeRoleARN, r.SecurityLakeExternalID), nil
	case isControlTowerKey(bucket, key):
		if r.ControlTowerRoleARN == "" {
			return nil, fmt.Errorf("object s3://%s/%s needs cross-account credentials: CONTROL_TOWER_ROLE_ARN is not set", bucket, key)
		}
		return r.assumedClient(r.ControlTowerRoleARN, ""), nil
	}
	return r.def, nil
}

func (r *ClientResolver) assumedClient(roleARN, externalID string) S3API {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.assumed[roleARN]; ok {
		return c
	}

	stsClient := sts.NewFromConfig(r.awsConfig)
	provider := stscreds.NewAssumeRoleProvider(stsClient, roleARN, func(o *stscreds.AssumeRoleOptions) {
		if externalID != "" {
			o.ExternalID = &externalID
		}
	})
	cfg := r.awsConfig.Copy()
	cfg.Credentials = aws.NewCredentialsCache(provider)
	client := s3.NewFromConfig(cfg)
	r.assumed[roleARN] = client
	return client
}

func isSecurityLakeKey(bucket, key string) bool {
	return strings.HasPrefix(bucket, "aws-security-data-lake-") ||
		strings.Contains(key, "aws_security_lake")
}

func isControlTowerKey(bucket, key string) bool {
	return strings.Contains(bucket, "aws-controltower-logs")
}

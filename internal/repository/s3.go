package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hddq/restoid-sub000/internal/config"
)

const defaultS3Region = "us-east-1"

// S3Keys is a static access key pair for an S3 repository.
type S3Keys struct {
	AccessKeyID     string
	SecretAccessKey string
}

// String encodes the keys for the credential store.
func (k S3Keys) String() string {
	return k.AccessKeyID + ":" + k.SecretAccessKey
}

// ParseS3Keys decodes keys produced by S3Keys.String.
func ParseS3Keys(s string) (S3Keys, error) {
	id, secret, ok := strings.Cut(s, ":")
	if !ok || id == "" || secret == "" {
		return S3Keys{}, fmt.Errorf("malformed S3 keys")
	}
	return S3Keys{AccessKeyID: id, SecretAccessKey: secret}, nil
}

// loadAWSConfig resolves the AWS configuration of an S3 repository. Static
// keys take precedence over the default credential chain.
func loadAWSConfig(ctx context.Context, cfg config.RepositoryConfig, keys *S3Keys) (aws.Config, error) {
	region := cfg.S3Region
	if region == "" {
		region = defaultS3Region
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if keys != nil {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(keys.AccessKeyID, keys.SecretAccessKey, "")))
	} else if cfg.S3Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.S3Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return awsCfg, nil
}

// s3Environment returns the variables restic reads S3 credentials from.
func s3Environment(ctx context.Context, awsCfg aws.Config) (map[string]string, error) {
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("retrieving AWS credentials: %w", err)
	}
	env := map[string]string{
		"AWS_ACCESS_KEY_ID":     creds.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY": creds.SecretAccessKey,
		"AWS_DEFAULT_REGION":    awsCfg.Region,
	}
	if creds.SessionToken != "" {
		env["AWS_SESSION_TOKEN"] = creds.SessionToken
	}
	return env, nil
}

// headBucket checks that the bucket exists and the credentials can reach it.
func headBucket(ctx context.Context, awsCfg aws.Config, cfg config.RepositoryConfig) error {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.S3Bucket)}); err != nil {
		return fmt.Errorf("bucket %s is not reachable: %w", cfg.S3Bucket, err)
	}
	return nil
}

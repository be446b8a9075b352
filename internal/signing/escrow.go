package signing

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Escrow keeps an off-host copy of private keys.
type Escrow interface {
	Put(ctx context.Context, domainName, selector string, pemBytes []byte) error
	Delete(ctx context.Context, domainName, selector string) error
}

// NopEscrow discards everything.
type NopEscrow struct{}

func (NopEscrow) Put(context.Context, string, string, []byte) error { return nil }
func (NopEscrow) Delete(context.Context, string, string) error      { return nil }

// s3API is the subset of the S3 client used by S3Escrow.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3EscrowConfig configures S3Escrow.
type S3EscrowConfig struct {
	Bucket  string
	Region  string
	Prefix  string // e.g. "mailrice/dkim/"
	Profile string
}

// S3Escrow stores keys as <prefix><domain>/<selector>.private with
// server-side encryption.
type S3Escrow struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Escrow builds an S3Escrow from the default AWS credential chain.
func NewS3Escrow(ctx context.Context, cfg S3EscrowConfig) (*S3Escrow, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("escrow bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return newS3Escrow(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix), nil
}

func newS3Escrow(client s3API, bucket, prefix string) *S3Escrow {
	return &S3Escrow{client: client, bucket: bucket, prefix: prefix}
}

func (e *S3Escrow) key(domainName, selector string) string {
	return e.prefix + path.Join(domainName, selector+".private")
}

// Put uploads a key.
func (e *S3Escrow) Put(ctx context.Context, domainName, selector string, pemBytes []byte) error {
	_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(e.bucket),
		Key:                  aws.String(e.key(domainName, selector)),
		Body:                 bytes.NewReader(pemBytes),
		ContentType:          aws.String("application/x-pem-file"),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("escrow put %s/%s: %w", domainName, selector, err)
	}
	return nil
}

// Delete removes an escrowed key. S3 treats missing keys as success.
func (e *S3Escrow) Delete(ctx context.Context, domainName, selector string) error {
	_, err := e.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(e.key(domainName, selector)),
	})
	if err != nil {
		return fmt.Errorf("escrow delete %s/%s: %w", domainName, selector, err)
	}
	return nil
}

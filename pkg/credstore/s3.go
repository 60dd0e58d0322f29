// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package credstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const pkcs12ContentType = "application/x-pkcs12"

// ObjectAPI is the part of the S3 client the store uses.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config locates the credential object.
type S3Config struct {
	Region    string
	Bucket    string
	Key       string
	AccessID  string
	AccessKey string
	// Endpoint overrides the AWS endpoint, e.g. for MinIO.
	Endpoint string
}

// S3 stores the credential as a single object in an S3 bucket.
type S3 struct {
	client ObjectAPI
	bucket string
	key    string
}

var _ Store = (*S3)(nil)

// NewS3 creates a store from cfg. Static credentials are used when given,
// the default AWS credential chain otherwise.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("S3 bucket must not be empty")
	}
	if cfg.Key == "" {
		return nil, errors.New("S3 key must not be empty")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessID, cfg.AccessKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.EndpointResolver = s3.EndpointResolverFromURL(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3WithClient(client, cfg.Bucket, cfg.Key), nil
}

// NewS3WithClient creates a store over an existing client.
func NewS3WithClient(client ObjectAPI, bucket, key string) *S3 {
	return &S3{client: client, bucket: bucket, key: key}
}

// Load fetches the credential object.
func (s *S3) Load(ctx context.Context) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return data, nil
}

// Save uploads the credential object, replacing any previous version.
func (s *S3) Save(ctx context.Context, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(s.key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String(pkcs12ContentType),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return nil
}

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Copyright (C) 2025 Aaron Mathis aaron.mathis@gmail.com
//
// This file is part of StarLoad.
//
// StarLoad is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// StarLoad is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with StarLoad. If not, see https://www.gnu.org/licenses/.

package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3StoreStats holds statistics about the store's activity
type S3StoreStats struct {
	ListCalls     int64 // Number of list requests (one per prefix)
	ObjectsListed int64 // Total objects discovered
	ObjectsOpened int64 // Total objects fetched
}

// S3StoreOptions configures the S3 store
type S3StoreOptions struct {
	Region         string          // AWS region
	Profile        string          // AWS profile to use
	Credentials    aws.Credentials // Explicit credentials
	EndpointURL    string          // Custom S3 endpoint (for S3-compatible services)
	ForcePathStyle bool            // Use path-style addressing
	MaxKeys        int32           // Page size for listing
	Suffix         string          // Key suffix filter (e.g., ".json")
}

// S3StoreOption represents a configuration function for S3Store
type S3StoreOption func(*S3StoreOptions)

func WithS3Region(region string) S3StoreOption {
	return func(opts *S3StoreOptions) {
		opts.Region = region
	}
}

func WithS3Profile(profile string) S3StoreOption {
	return func(opts *S3StoreOptions) {
		opts.Profile = profile
	}
}

func WithS3Credentials(creds aws.Credentials) S3StoreOption {
	return func(opts *S3StoreOptions) {
		opts.Credentials = creds
	}
}

func WithS3Endpoint(endpoint string) S3StoreOption {
	return func(opts *S3StoreOptions) {
		opts.EndpointURL = endpoint
	}
}

func WithS3PathStyle(pathStyle bool) S3StoreOption {
	return func(opts *S3StoreOptions) {
		opts.ForcePathStyle = pathStyle
	}
}

func WithS3MaxKeys(maxKeys int32) S3StoreOption {
	return func(opts *S3StoreOptions) {
		opts.MaxKeys = maxKeys
	}
}

func WithS3Suffix(suffix string) S3StoreOption {
	return func(opts *S3StoreOptions) {
		opts.Suffix = suffix
	}
}

// s3API is the subset of the S3 client the store uses.
type s3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store implements ObjectStore over Amazon S3
type S3Store struct {
	client s3API
	opts   S3StoreOptions
	stats  S3StoreStats
	mu     sync.Mutex
}

// NewS3Store creates an S3 store from the default AWS configuration chain
// plus the given options.
func NewS3Store(ctx context.Context, options ...S3StoreOption) (*S3Store, error) {
	opts := defaultS3Options()
	for _, option := range options {
		option(&opts)
	}

	cfg, err := createAWSConfig(ctx, opts)
	if err != nil {
		return nil, &StorageError{Op: "create_aws_config", Err: err}
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.EndpointURL != "" {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		}
		o.UsePathStyle = opts.ForcePathStyle
	})

	return newS3Store(client, opts), nil
}

func newS3Store(client s3API, opts S3StoreOptions) *S3Store {
	return &S3Store{client: client, opts: opts}
}

func defaultS3Options() S3StoreOptions {
	return S3StoreOptions{MaxKeys: 1000}
}

// createAWSConfig creates AWS configuration from options
func createAWSConfig(ctx context.Context, opts S3StoreOptions) (aws.Config, error) {
	configOpts := []func(*config.LoadOptions) error{}

	if opts.Region != "" {
		configOpts = append(configOpts, config.WithRegion(opts.Region))
	}

	if opts.Profile != "" {
		configOpts = append(configOpts, config.WithSharedConfigProfile(opts.Profile))
	}

	cfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return aws.Config{}, err
	}

	if opts.Credentials.AccessKeyID != "" {
		cfg.Credentials = aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(
				opts.Credentials.AccessKeyID,
				opts.Credentials.SecretAccessKey,
				opts.Credentials.SessionToken,
			),
		)
	}

	return cfg, nil
}

// List implements ObjectStore. Keys ending in "/" are folder markers and are skipped.
func (s *S3Store) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		MaxKeys: aws.Int32(s.opts.MaxKeys),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var objects []Object
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, &StorageError{Op: "list_objects", Err: fmt.Errorf("s3://%s/%s: %w", bucket, prefix, err)}
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			if s.opts.Suffix != "" && !strings.HasSuffix(key, s.opts.Suffix) {
				continue
			}
			objects = append(objects, Object{
				Key:          key,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         strings.Trim(aws.ToString(obj.ETag), "\""),
			})
		}
	}

	sortObjects(objects)

	s.mu.Lock()
	s.stats.ListCalls++
	s.stats.ObjectsListed += int64(len(objects))
	s.mu.Unlock()

	return objects, nil
}

// Open implements ObjectStore.
func (s *S3Store) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, &StorageError{Op: "get_object", Err: fmt.Errorf("s3://%s/%s: %w", bucket, key, err)}
	}

	s.mu.Lock()
	s.stats.ObjectsOpened++
	s.mu.Unlock()

	return result.Body, nil
}

// Stats returns store statistics
func (s *S3Store) Stats() S3StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/grailbio/base/errors"
)

// s3Store is the native S3 store. Unlike the grailfile path, it
// issues true ranged GETs and can presign object URLs.
type s3Store struct {
	api    s3iface.S3API
	bucket string
	prefix string
}

// NewS3 returns a store rooted at s3://bucket/prefix using the
// provided API client.
func NewS3(api s3iface.S3API, bucket, prefix string) Store {
	return &s3Store{api: api, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func dialS3(ctx context.Context, rawurl string) (Store, error) {
	trimmed := strings.TrimPrefix(rawurl, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)
	if parts[0] == "" {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("store: bad S3 URL %q", rawurl))
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, errors.E("store: new AWS session", err)
	}
	var prefix string
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return NewS3(s3.New(sess), parts[0], prefix), nil
}

func (s *s3Store) key(path string) string {
	if s.prefix == "" {
		return path
	}
	return s.prefix + "/" + path
}

func (s *s3Store) Cacheable() bool { return true }

func (s *s3Store) Head(ctx context.Context, path string) (Info, error) {
	out, err := s.api.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		if isNotFound(err) {
			return Info{}, nil
		}
		return Info{}, s3err("head", s.key(path), err)
	}
	return Info{
		Exists: true,
		Size:   aws.Int64Value(out.ContentLength),
		ETag:   strings.Trim(aws.StringValue(out.ETag), `"`),
	}, nil
}

func (s *s3Store) Get(ctx context.Context, path string, rng *Range) ([]byte, error) {
	if err := checkRange(rng); err != nil {
		return nil, err
	}
	in := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	}
	if rng != nil {
		if rng.Len() == 0 {
			return []byte{}, nil
		}
		in.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End-1))
	}
	out, err := s.api.GetObjectWithContext(ctx, in)
	if err != nil {
		if rng != nil && isInvalidRange(err) {
			return nil, errRange(path, *rng, -1)
		}
		return nil, s3err("get", s.key(path), err)
	}
	defer out.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, s3err("get", s.key(path), err)
	}
	p := buf.Bytes()
	if rng != nil && int64(len(p)) != rng.Len() {
		// S3 truncates ranges that run past the object instead of
		// failing them.
		return nil, errRange(path, *rng, rng.Start+int64(len(p)))
	}
	return p, nil
}

func (s *s3Store) Put(ctx context.Context, path string, p []byte) error {
	_, err := s.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
		Body:   bytes.NewReader(p),
	})
	if err != nil {
		return s3err("put", s.key(path), err)
	}
	return nil
}

func (s *s3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	}
	err := s.api.ListObjectsV2PagesWithContext(ctx, in, func(out *s3.ListObjectsV2Output, last bool) bool {
		for _, obj := range out.Contents {
			key := aws.StringValue(obj.Key)
			if s.prefix != "" {
				key = strings.TrimPrefix(strings.TrimPrefix(key, s.prefix), "/")
			}
			paths = append(paths, key)
		}
		return true
	})
	if err != nil {
		return nil, s3err("list", s.key(prefix), err)
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *s3Store) Remove(ctx context.Context, path string) error {
	_, err := s.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil && !isNotFound(err) {
		return s3err("remove", s.key(path), err)
	}
	return nil
}

func (s *s3Store) Presign(ctx context.Context, path string, expiry time.Duration) (string, error) {
	svc, ok := s.api.(*s3.S3)
	if !ok {
		return "", errors.E(errors.Invalid, "store: presign requires a real S3 client")
	}
	req, _ := svc.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	req.SetContext(ctx)
	url, err := req.Presign(expiry)
	if err != nil {
		return "", s3err("presign", s.key(path), err)
	}
	return url, nil
}

func s3err(op, key string, err error) error {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case request.ErrCodeResponseTimeout, request.CanceledErrorCode:
			return errors.E(errors.Timeout, fmt.Sprintf("store: %s s3 %s", op, key), err)
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket:
			return errors.E(errors.NotExist, fmt.Sprintf("store: %s s3 %s", op, key), err)
		}
		if reqerr, ok := err.(awserr.RequestFailure); ok && reqerr.StatusCode() >= 500 {
			return errors.E(errors.Net, fmt.Sprintf("store: %s s3 %s", op, key), err)
		}
	}
	return errors.E(errors.Net, fmt.Sprintf("store: %s s3 %s", op, key), err)
}

func isNotFound(err error) bool {
	if reqerr, ok := err.(awserr.RequestFailure); ok {
		return reqerr.StatusCode() == 404
	}
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code() == s3.ErrCodeNoSuchKey
	}
	return false
}

func isInvalidRange(err error) bool {
	if reqerr, ok := err.(awserr.RequestFailure); ok {
		return reqerr.StatusCode() == 416
	}
	return false
}

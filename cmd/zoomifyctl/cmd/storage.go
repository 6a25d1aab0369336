// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/ulikunitz/xz"
)

// Number of versions of an image that are kept in storage.
const keepVersions = 3

type ObjectInfo struct {
	Key         string
	ContentType string
	ETag        string
}

type Storage interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	PutFile(ctx context.Context, bucket string, remotepath string, localpath string, contentType string) (ObjectInfo, error)
	Remove(ctx context.Context, bucketName, path string) error
}

// RemoteStorage is an implementation of interface Storage that talks
// to a remote S3-compatible server. The other implementation is
// fakeStorage, which is used for testing.
type remoteStorage struct {
	client *minio.Client
}

func (s *remoteStorage) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return s.client.BucketExists(ctx, bucket)
}

func (s *remoteStorage) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	opts := minio.ListObjectsOptions{Prefix: prefix, Recursive: true}
	result := make([]ObjectInfo, 0)
	for f := range s.client.ListObjects(ctx, bucket, opts) {
		if f.Err != nil {
			return nil, f.Err
		}
		o := ObjectInfo{Key: f.Key, ContentType: f.ContentType, ETag: f.ETag}
		result = append(result, o)
	}
	return result, nil
}

func (s *remoteStorage) PutFile(ctx context.Context, bucket string, remotepath string, localpath string, contentType string) (ObjectInfo, error) {
	opts := minio.PutObjectOptions{ContentType: contentType}
	info, err := s.client.FPutObject(ctx, bucket, remotepath, localpath, opts)
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{Key: info.Key, ContentType: contentType, ETag: info.ETag}, nil
}

func (s *remoteStorage) Remove(ctx context.Context, bucket, path string) error {
	return s.client.RemoveObject(ctx, bucket, path, minio.RemoveObjectOptions{})
}

// NewStorage sets up a client for accessing S3-compatible object storage.
func NewStorage(keypath string) (Storage, error) {
	data, err := os.ReadFile(keypath)
	if err != nil {
		return nil, err
	}

	var config struct{ Endpoint, Key, Secret string }
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.Key, config.Secret, ""),
		Secure: true,
	})
	if err != nil {
		return nil, err
	}

	client.SetAppInfo("ZoomifyCtl", "0.1")
	return &remoteStorage{client: client}, nil
}

// Upload puts a pyramid TIFF into storage as public/<name>-<YYYYMMDD>.tif,
// optionally compressed, where the webserver will find it. Older
// versions of the same image get deleted, except for the most recent
// ones. The result is the path of the uploaded object.
func Upload(ctx context.Context, s Storage, bucket, name, localpath, compression string, date time.Time) (string, error) {
	exists, err := s.BucketExists(ctx, bucket)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("storage bucket %q does not exist", bucket)
	}

	remotepath := fmt.Sprintf("public/%s-%s.tif", name, date.Format("20060102"))
	contentType := "image/tiff"
	if compression != "" {
		compressed := localpath + "." + compression
		if err := compressFile(localpath, compressed, compression); err != nil {
			os.Remove(compressed)
			return "", err
		}
		defer os.Remove(compressed)
		localpath = compressed
		remotepath += "." + compression
		contentType = "application/octet-stream"
	}

	info, err := s.PutFile(ctx, bucket, remotepath, localpath, contentType)
	if err != nil {
		return "", err
	}
	slog.InfoContext(ctx, "Uploaded to storage", "bucket", bucket, "path", remotepath, "etag", info.ETag)

	if err := cleanup(ctx, s, bucket, name); err != nil {
		return "", err
	}
	return remotepath, nil
}

// Cleanup deletes old versions of an image from storage.
func cleanup(ctx context.Context, s Storage, bucket, name string) error {
	prefix := fmt.Sprintf("public/%s-", name)
	re := regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `\d{8}\.tiff?(\.(zst|br|xz|bz2))?$`)

	found := make([]string, 0, keepVersions+10)
	files, err := s.List(ctx, bucket, prefix)
	if err != nil {
		return err
	}
	for _, f := range files {
		if re.MatchString(f.Key) {
			found = append(found, f.Key)
		}
	}

	if len(found) > keepVersions {
		sort.Strings(found)
		for _, path := range found[0 : len(found)-keepVersions] {
			slog.InfoContext(ctx, "Deleting from storage", "bucket", bucket, "path", path)
			if err := s.Remove(ctx, bucket, path); err != nil {
				return err
			}
		}
	}

	return nil
}

func compressFile(src, dst, format string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	w, err := newCompressor(format, out)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return out.Close()
}

// NewCompressor wraps w in the compression that the webserver
// can undo when mirroring storage.
func newCompressor(format string, w io.Writer) (io.WriteCloser, error) {
	switch format {
	case "zst":
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	case "br":
		return brotli.NewWriterLevel(w, 9), nil
	case "xz":
		return xz.NewWriter(w)
	case "bz2":
		return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.BestCompression})
	default:
		return nil, fmt.Errorf("unsupported upload compression %q", format)
	}
}

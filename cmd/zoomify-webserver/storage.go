// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/base32"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/ulikunitz/xz"
)

// Storage mirrors the pyramid TIFFs of an S3 bucket to local disk,
// so they can be served like those of a local repository.
type Storage struct {
	client  storageClient
	bucket  string
	workdir string
	logger  *log.Logger
	mutex   sync.RWMutex
	files   map[string]*localFile

	// Called for every local file that gets deleted because
	// it is not live anymore.
	onRemove func(path string)
}

// LocalFile represents a file in the local working directory,
// which is a decompressed copy of a pyramid TIFF in remote storage.
type localFile struct {
	Path         string
	ETag         string
	Size         int64
	LastModified time.Time
}

// StorageClient is the subset of minio.Client used in this program.
// For testing, struct fakeStorageClient provides a fake implementation.
type storageClient interface {
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	FGetObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.GetObjectOptions) error
}

// NewStorage sets up a client for accessing S3-compatible object storage.
func NewStorage(keypath, bucket, workdir string, logger *log.Logger) (*Storage, error) {
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return nil, err
	}

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

	client.SetAppInfo("ZoomifyWebserver", "0.1")
	return &Storage{
		client:  client,
		bucket:  bucket,
		workdir: workdir,
		logger:  logger,
		files:   make(map[string]*localFile, 10),
	}, nil
}

var objRegexp = regexp.MustCompile(`^public/([a-z0-9\-_]+)\-(2[0-9]{7})\.(tiff?)(?:\.(zst|br|xz|bz2))?$`)

// Reload caches pyramid TIFFs from remote object storage to local disk.
// Any old content (which is not live anymore) is deleted from local disk.
func (s *Storage) Reload(ctx context.Context) error {
	// Find the most recent version of each image in storage.
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    "public/",
		Recursive: false,
	})
	inStorage := make(map[string]minio.ObjectInfo, 5)
	for obj := range objects {
		if obj.Err != nil {
			return obj.Err
		}
		if m := objRegexp.FindStringSubmatch(obj.Key); m != nil {
			filename := fmt.Sprintf("%s.%s", m[1], m[3])
			info := inStorage[filename]
			if obj.LastModified.After(info.LastModified) {
				inStorage[filename] = obj
			}
		}
	}

	files := make(map[string]*localFile, len(inStorage))
	for filename, obj := range inStorage {
		mangled := base32.HexEncoding.EncodeToString([]byte(obj.ETag))
		path, err := filepath.Abs(filepath.Join(
			s.workdir,
			fmt.Sprintf("%s-%s", mangled, filename)))
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			format := objRegexp.FindStringSubmatch(obj.Key)[4]
			if err := s.fetch(ctx, obj, format, path); err != nil {
				return err
			}
		}

		info, err := os.Stat(path)
		if err != nil {
			return err
		}

		files[filename] = &localFile{
			Path:         path,
			ETag:         obj.ETag,
			Size:         info.Size(),
			LastModified: obj.LastModified.UTC(),
		}
	}

	live := make(map[string]bool, len(files))
	for _, f := range files {
		live[f.Path] = true
	}

	s.mutex.Lock()
	s.files = files
	s.mutex.Unlock()

	// Clean up workdir so it only contains live files. In-flight
	// requests keep reading from their open file handles; the
	// underlying file only gets deleted once all handles are closed.
	ff, err := os.ReadDir(s.workdir)
	if err != nil {
		return err
	}
	for _, f := range ff {
		fp, err := filepath.Abs(filepath.Join(s.workdir, f.Name()))
		if err != nil {
			return err
		}
		if !live[fp] {
			if s.logger != nil {
				s.logger.Printf("Deleting obsolete local file: %s", fp)
			}
			if err := os.Remove(fp); err != nil {
				return err
			}
			if s.onRemove != nil {
				s.onRemove(fp)
			}
		}
	}

	return nil
}

// Fetch downloads a storage object to path, decompressing it on the way.
func (s *Storage) fetch(ctx context.Context, obj minio.ObjectInfo, format, path string) error {
	downloadPath := path + ".download"
	defer os.Remove(downloadPath)
	if err := s.client.FGetObject(ctx, s.bucket, obj.Key, downloadPath, minio.GetObjectOptions{}); err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := decompressFile(downloadPath, tmpPath, format); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chtimes(tmpPath, time.Now(), obj.LastModified); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func decompressFile(src, dst, format string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	r, err := newDecompressor(format, in)
	if err != nil {
		return err
	}
	defer r.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("decompressing %s: %w", src, err)
	}
	return out.Close()
}

// NewDecompressor wraps r for reading the uncompressed content of a
// storage object. Format is the compression suffix of the object name,
// or the empty string for uncompressed objects.
func newDecompressor(format string, r io.Reader) (io.ReadCloser, error) {
	switch format {
	case "":
		return io.NopCloser(r), nil

	case "zst":
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil

	case "br":
		return io.NopCloser(brotli.NewReader(r)), nil

	case "xz":
		x, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(x), nil

	case "bz2":
		b, err := bzip2.NewReader(r, &bzip2.ReaderConfig{})
		if err != nil {
			return nil, err
		}
		return b, nil

	default:
		return nil, fmt.Errorf("unsupported compression %q", format)
	}
}

func (s *Storage) Watch(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Reload(ctx); err != nil {
				if err == ctx.Err() {
					return err
				} else if s.logger != nil {
					s.logger.Println(err)
				}
			}
		}
	}
}

// Resolve finds the local copy of a mirrored image. Mirrored images
// are addressed by their name without date, such as "zurich.tif".
func (s *Storage) Resolve(urlPath string) (*ZoomifyPath, error) {
	image, part, partName, err := splitZoomifyPath(urlPath)
	if err != nil {
		return nil, err
	}

	s.mutex.RLock()
	loc, found := s.files[image]
	s.mutex.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w: %s", errImageNotFound, image)
	}

	return &ZoomifyPath{
		Kind:     PyramidTIFF,
		Part:     part,
		PartName: partName,
		Image:    image,
		File:     loc.Path,
		ModTime:  loc.LastModified,
		Size:     loc.Size,
	}, nil
}

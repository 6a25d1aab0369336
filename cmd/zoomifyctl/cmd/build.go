// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/brawer/zoomify/internal/ptiff"
	"github.com/brawer/zoomify/internal/pyramid"
)

var imageNameRegexp = regexp.MustCompile(`^[a-z0-9\-_]+$`)

// NewBuildCmd builds a pyramid TIFF from an ordinary image, and
// optionally uploads it to storage where the webserver picks it up.
func NewBuildCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build <source image> <out.tif>",
		Short: "build a pyramid TIFF from a PNG, JPEG, GIF, BMP, WebP or TIFF image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pf := cmd.Flags()
			tileSize, _ := pf.GetInt("tile-size")
			quality, _ := pf.GetInt("quality")
			compression, _ := pf.GetString("compression")
			storageKey, _ := pf.GetString("storage-key")
			bucket, _ := pf.GetString("bucket")
			name, _ := pf.GetString("name")
			uploadCompression, _ := pf.GetString("upload-compression")

			opts := pyramid.BuildOptions{TileSize: tileSize, Quality: quality}
			switch strings.ToLower(compression) {
			case "jpeg", "jpg":
				opts.Compression = ptiff.CompressionJPEG
			case "deflate", "zip":
				opts.Compression = ptiff.CompressionDeflate
			default:
				return fmt.Errorf("unsupported compression %q, want jpeg or deflate", compression)
			}

			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[1]), filepath.Ext(args[1]))
			}
			if storageKey != "" && !imageNameRegexp.MatchString(name) {
				return fmt.Errorf("image name %q must only contain a-z, 0-9, - and _", name)
			}

			src, err := decodeImage(ctx, args[0])
			if err != nil {
				return err
			}

			start := time.Now()
			if err := pyramid.Build(ctx, args[1], src, opts); err != nil {
				return err
			}
			slog.InfoContext(ctx, "built pyramid TIFF", "path", args[1],
				"width", src.Bounds().Dx(), "height", src.Bounds().Dy(),
				"compression", opts.Compression.String(), "duration", time.Since(start))

			if storageKey == "" {
				return nil
			}
			storage, err := NewStorage(storageKey)
			if err != nil {
				return err
			}
			remotepath, err := Upload(ctx, storage, bucket, name, args[1], uploadCompression, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Uploaded to storage: %s/%s\n", bucket, remotepath)
			return nil
		},
	}
	pf := cmd.Flags()
	pf.Int("tile-size", 256, "tile size in pixels, a multiple of 16")
	pf.IntP("quality", "q", pyramid.DefaultQuality, "JPEG quality")
	pf.String("compression", "jpeg", "tile compression (jpeg|deflate)")
	pf.String("storage-key", "", "path to key with storage access credentials; no upload if empty")
	pf.String("bucket", "zoomify", "storage bucket for uploading")
	pf.String("name", "", "image name in storage, default is the output file name without extension")
	pf.String("upload-compression", "zst", "compression for uploading (zst|br|xz|bz2), or empty for none")
	return cmd
}

func decodeImage(ctx context.Context, path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, format, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	slog.DebugContext(ctx, "decoded source image", "path", path, "format", format,
		"width", img.Bounds().Dx(), "height", img.Bounds().Dy())
	return img, nil
}

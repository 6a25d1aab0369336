// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/brawer/zoomify/internal/pyramid"
)

// NewExportCmd writes a Zoomify file bundle for a pyramid TIFF.
func NewExportCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <image.tif> <dir>",
		Short: "write a Zoomify file bundle for a pyramid TIFF",
		Long: "Writes ImageProperties.xml and all tiles of a pyramid TIFF into a directory, " +
			"grouped into TileGroup<N> subdirectories of 256 tiles each, " +
			"so the image can be served by any static web server.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			quality, _ := cmd.Flags().GetInt("quality")
			workers, _ := cmd.Flags().GetInt("workers")
			n, err := exportBundle(ctx, args[0], args[1], quality, workers)
			if err != nil {
				return err
			}
			slog.InfoContext(ctx, "exported Zoomify file bundle", "dir", args[1], "tiles", n)
			return nil
		},
	}
	pf := cmd.Flags()
	pf.IntP("quality", "q", pyramid.DefaultQuality, "JPEG quality for re-compressed tiles")
	pf.Int("workers", runtime.NumCPU(), "number of tiles to extract in parallel")
	return cmd
}

// ExportBundle writes the file bundle and returns the number of tiles.
func exportBundle(ctx context.Context, src, dir string, quality, workers int) (int, error) {
	img, err := pyramid.Open(src)
	if err != nil {
		return 0, err
	}
	defer img.Close()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}
	props := filepath.Join(dir, "ImageProperties.xml")
	if err := os.WriteFile(props, []byte(img.Properties()), 0644); err != nil {
		return 0, err
	}

	if workers < 1 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var count atomic.Int64
	cat := img.Catalog()
	for level := 0; level < cat.NumLevels(); level++ {
		first, err := cat.Resolve(level, 0, 0)
		if err != nil {
			return 0, err
		}
		for y := 0; y < first.TilesDown; y++ {
			for x := 0; x < first.TilesAcross; x++ {
				level, x, y := level, x, y
				g.Go(func() error {
					return exportTile(ctx, img, dir, pyramid.Address{Level: level, X: x, Y: y}, quality, &count)
				})
			}
		}
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	return int(count.Load()), nil
}

func exportTile(ctx context.Context, img *pyramid.Image, dir string, a pyramid.Address, quality int, count *atomic.Int64) error {
	geom, err := img.Locate(a.Level, a.X, a.Y)
	if err != nil {
		return err
	}

	data, err := img.Extract(ctx, geom, quality)
	if err != nil {
		return err
	}

	group := filepath.Join(dir, fmt.Sprintf("TileGroup%d", img.Catalog().TileGroup(geom)))
	if err := os.MkdirAll(group, 0755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(group, a.String()+".jpg"), data, 0644); err != nil {
		return err
	}

	count.Add(1)
	slog.DebugContext(ctx, "exported tile", "tile", a.String(), "group", filepath.Base(group))
	return nil
}

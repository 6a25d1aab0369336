// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/brawer/zoomify/internal/pyramid"
)

// NewPropertiesCmd prints the ImageProperties.xml of a pyramid TIFF.
func NewPropertiesCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "properties <image.tif>",
		Short: "print ImageProperties.xml of a pyramid TIFF",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := pyramid.Open(args[0])
			if err != nil {
				return err
			}
			defer img.Close()

			out := cmd.OutOrStdout()
			fmt.Fprint(out, img.Properties())

			if levels, _ := cmd.Flags().GetBool("levels"); levels {
				fmt.Fprintf(out, "tiles: %d pixels, %v, %v, %d channels\n",
					img.TileSize, img.Compression, img.Photometric, img.Channels)
				cat := img.Catalog()
				for level := 0; level < cat.NumLevels(); level++ {
					g, err := cat.Resolve(level, 0, 0)
					if err != nil {
						return err
					}
					size, _ := cat.LevelSize(level)
					fmt.Fprintf(out, "level %d: %dx%d pixels, %dx%d tiles, TIFF directory %d\n",
						level, size.Width, size.Height, g.TilesAcross, g.TilesDown, g.NativeLevel)
				}
			}
			return nil
		},
	}
	cmd.Flags().Bool("levels", false, "also list the resolution levels")
	return cmd
}

// NewTileCmd extracts a single tile as a standalone JPEG file.
func NewTileCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tile <image.tif> <level-x-y.jpg>",
		Short: "extract a Zoomify tile from a pyramid TIFF",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			quality, _ := cmd.Flags().GetInt("quality")
			out, _ := cmd.Flags().GetString("out")

			img, err := pyramid.Open(args[0])
			if err != nil {
				return err
			}
			defer img.Close()

			a, err := pyramid.ParseAddress(args[1])
			if err != nil {
				return err
			}
			g, err := img.Locate(a.Level, a.X, a.Y)
			if err != nil {
				return err
			}

			data, err := img.Extract(ctx, g, quality)
			if err != nil {
				return err
			}
			slog.DebugContext(ctx, "extracted tile", "tile", a.String(),
				"strategy", img.Strategy(g).String(), "bytes", len(data),
				"width", g.TileWidth, "height", g.TileHeight)
			return writeOutput(cmd, out, data)
		},
	}
	pf := cmd.Flags()
	pf.IntP("quality", "q", pyramid.DefaultQuality, "JPEG quality for re-compressed tiles")
	pf.StringP("out", "o", "", "output file, standard output if empty")
	return cmd
}

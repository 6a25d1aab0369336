// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package cmd

import (
	"context"
	"fmt"

	"github.com/fogleman/gg"
	"github.com/spf13/cobra"
)

// NewTestPatternCmd renders an image for checking viewers and servers.
// Every tile of the most detailed level is labelled with its column
// and row, so misplaced tiles are easy to spot.
func NewTestPatternCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "testpattern <out.png>",
		Short: "render a labelled test image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			width, _ := cmd.Flags().GetInt("width")
			height, _ := cmd.Flags().GetInt("height")
			tileSize, _ := cmd.Flags().GetInt("tile-size")
			fontPath, _ := cmd.Flags().GetString("font")
			if width < 1 || height < 1 || tileSize < 1 {
				return fmt.Errorf("width, height and tile size must be positive")
			}

			dc, err := renderTestPattern(width, height, tileSize, fontPath)
			if err != nil {
				return err
			}
			return dc.SavePNG(args[0])
		},
	}
	pf := cmd.Flags()
	pf.Int("width", 2000, "image width in pixels")
	pf.Int("height", 1500, "image height in pixels")
	pf.Int("tile-size", 256, "size of the labelled grid cells")
	pf.String("font", "", "path to label font, built-in font if empty")
	return cmd
}

func renderTestPattern(width, height, tileSize int, fontPath string) (*gg.Context, error) {
	dc := gg.NewContext(width, height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	if fontPath != "" {
		font, err := gg.LoadFontFace(fontPath, float64(tileSize)/8)
		if err != nil {
			return nil, err
		}
		dc.SetFontFace(font)
	}

	s := float64(tileSize)
	for y := 0; y*tileSize < height; y++ {
		for x := 0; x*tileSize < width; x++ {
			if (x+y)%2 == 0 {
				dc.SetRGB(0.85, 0.9, 1)
			} else {
				dc.SetRGB(1, 0.95, 0.85)
			}
			dc.DrawRectangle(float64(x)*s, float64(y)*s, s, s)
			dc.Fill()

			dc.SetRGB(0, 0, 0)
			dc.DrawStringAnchored(fmt.Sprintf("%d,%d", x, y),
				(float64(x)+0.5)*s, (float64(y)+0.5)*s, 0.5, 0.5)
		}
	}

	// Diagonals show whether the levels are scaled correctly.
	dc.SetRGB(0, 0.4, 1)
	dc.SetLineWidth(3)
	dc.DrawLine(0, 0, float64(width), float64(height))
	dc.DrawLine(float64(width), 0, 0, float64(height))
	dc.Stroke()
	return dc, nil
}

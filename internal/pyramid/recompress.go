// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package pyramid

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/brawer/zoomify/internal/ptiff"
)

// DefaultQuality is the JPEG quality for re-encoded tiles.
const DefaultQuality = 85

func (img *Image) recompress(g Geometry, quality int) ([]byte, error) {
	bufp := img.buffers.Get().(*[]byte)
	defer img.buffers.Put(bufp)
	buf := *bufp

	if err := img.decode(g, buf); err != nil {
		return nil, &ExtractError{Kind: ErrDecode, Level: g.Level, Tile: g.TileIndex, Err: err}
	}

	m, err := img.tileImage(buf, g.TileWidth, g.TileHeight)
	if err != nil {
		return nil, &ExtractError{Kind: ErrEncode, Level: g.Level, Tile: g.TileIndex, Err: err}
	}

	var out bytes.Buffer
	opts := &jpeg.Options{Quality: clampQuality(quality)}
	if err := jpeg.Encode(&out, m, opts); err != nil {
		return nil, &ExtractError{Kind: ErrEncode, Level: g.Level, Tile: g.TileIndex, Err: err}
	}
	return out.Bytes(), nil
}

// decode decompresses a tile into buf at full tile geometry. JPEG tiles
// in YCbCr colour space are converted to RGB while decoding; the
// container's colour mode is restored before anyone else can see it.
func (img *Image) decode(g Geometry, buf []byte) error {
	if img.Compression == ptiff.CompressionJPEG && img.Photometric == ptiff.PhotometricYCbCr {
		img.mu.Lock()
		defer img.mu.Unlock()
		prev := img.c.SetJPEGColorMode(ptiff.ColorModeRGB)
		defer img.c.SetJPEGColorMode(prev)
	}

	_, err := img.c.ReadEncodedTile(g.NativeLevel, g.TileIndex, buf)
	return err
}

// tileImage wraps the top-left width×height pixels of a decoded tile.
// Rows keep the stride of a full tile.
func (img *Image) tileImage(buf []byte, width, height int) (image.Image, error) {
	stride := img.TileSize * img.Channels
	rect := image.Rect(0, 0, width, height)
	switch {
	case img.Channels == 1:
		return &image.Gray{Pix: buf, Stride: stride, Rect: rect}, nil
	case img.Channels == 3:
		return &rgbImage{Pix: buf, Stride: stride, Rect: rect}, nil
	case img.Channels == 4 && img.Photometric == ptiff.PhotometricSeparated:
		return &image.CMYK{Pix: buf, Stride: stride, Rect: rect}, nil
	case img.Channels == 4:
		return &image.NRGBA{Pix: buf, Stride: stride, Rect: rect}, nil
	default:
		return nil, fmt.Errorf("%d samples per pixel", img.Channels)
	}
}

func clampQuality(q int) int {
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return q
}

// rgbImage is an image of packed 8-bit RGB samples, three bytes per
// pixel. The standard library has no such type.
type rgbImage struct {
	Pix    []byte
	Stride int
	Rect   image.Rectangle
}

func (m *rgbImage) ColorModel() color.Model {
	return color.RGBAModel
}

func (m *rgbImage) Bounds() image.Rectangle {
	return m.Rect
}

func (m *rgbImage) At(x, y int) color.Color {
	if !(image.Point{x, y}.In(m.Rect)) {
		return color.RGBA{}
	}
	i := (y-m.Rect.Min.Y)*m.Stride + (x-m.Rect.Min.X)*3
	return color.RGBA{m.Pix[i], m.Pix[i+1], m.Pix[i+2], 0xff}
}

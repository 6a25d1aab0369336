// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package ptiff

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/tiff/lzw"
)

// ReadEncodedTile decompresses a tile into buf, which must hold at least
// DecodedTileSize() bytes. Samples are returned in chunky order, eight
// bits per sample, at the full tile geometry even for tiles on the
// right and bottom edges of the image. It returns the number of bytes
// written to buf.
func (t *File) ReadEncodedTile(level, tile int, buf []byte) (int, error) {
	d, err := t.Level(level)
	if err != nil {
		return 0, err
	}
	if !d.Tiled() {
		return 0, fmt.Errorf("%w: level %d is not tiled", ErrUnsupported, level)
	}
	if !d.eightBit() {
		return 0, fmt.Errorf("%w: BitsPerSample=%v", ErrUnsupported, d.BitsPerSample)
	}
	if d.PlanarConfig != 1 && d.SamplesPerPixel > 1 {
		return 0, fmt.Errorf("%w: PlanarConfiguration=%d", ErrUnsupported, d.PlanarConfig)
	}

	need := d.DecodedTileSize()
	if len(buf) < need {
		return 0, fmt.Errorf("ptiff: buffer of %d bytes too small for tile of %d bytes", len(buf), need)
	}

	raw, err := t.ReadRawTile(level, tile)
	if err != nil {
		return 0, err
	}

	dst := buf[:need]
	switch d.Compression {
	case CompressionNone:
		if len(raw) < need {
			return 0, fmt.Errorf("%w: tile %d has %d bytes, want %d", ErrFormat, tile, len(raw), need)
		}
		copy(dst, raw)

	case CompressionLZW:
		r := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		defer r.Close()
		if _, err := io.ReadFull(r, dst); err != nil {
			return 0, fmt.Errorf("lzw tile %d: %w", tile, err)
		}

	case CompressionDeflate, CompressionDeflateOld:
		r, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return 0, fmt.Errorf("deflate tile %d: %w", tile, err)
		}
		defer r.Close()
		if _, err := io.ReadFull(r, dst); err != nil {
			return 0, fmt.Errorf("deflate tile %d: %w", tile, err)
		}

	case CompressionPackBits:
		if err := unpackBits(dst, raw); err != nil {
			return 0, fmt.Errorf("packbits tile %d: %w", tile, err)
		}

	case CompressionJPEG:
		if err := t.decodeJPEG(d, raw, dst); err != nil {
			return 0, fmt.Errorf("jpeg tile %d: %w", tile, err)
		}
		return need, nil

	default:
		return 0, fmt.Errorf("%w: compression %v", ErrUnsupported, d.Compression)
	}

	if d.Predictor == predictorHorizontal {
		undoHorizontalDifferencing(dst, int(d.TileWidth), int(d.SamplesPerPixel))
	}
	return need, nil
}

// decodeJPEG decodes a JPEG-compressed tile. When the directory has
// a JPEGTables tag, the tile is an abbreviated stream that only becomes
// decodable after the tables, minus their EOI marker, are put in front
// of the tile data, minus its SOI marker.
func (t *File) decodeJPEG(d *Directory, raw, dst []byte) error {
	var r io.Reader = bytes.NewReader(raw)
	if len(d.JPEGTables) >= 4 && len(raw) >= 2 {
		r = io.MultiReader(
			bytes.NewReader(d.JPEGTables[:len(d.JPEGTables)-2]),
			bytes.NewReader(raw[2:]))
	}

	img, err := jpeg.Decode(r)
	if err != nil {
		return err
	}

	spp := int(d.SamplesPerPixel)
	stride := int(d.TileWidth) * spp
	b := img.Bounds()
	w, h := min(b.Dx(), int(d.TileWidth)), min(b.Dy(), int(d.TileHeight))

	switch m := img.(type) {
	case *image.Gray:
		if spp != 1 {
			return fmt.Errorf("%w: grayscale JPEG with %d samples per pixel", ErrUnsupported, spp)
		}
		for y := 0; y < h; y++ {
			copy(dst[y*stride:y*stride+w], m.Pix[y*m.Stride:])
		}

	case *image.YCbCr:
		if spp != 3 {
			return fmt.Errorf("%w: YCbCr JPEG with %d samples per pixel", ErrUnsupported, spp)
		}
		toRGB := d.Photometric != PhotometricYCbCr || t.JPEGColorMode() == ColorModeRGB
		for y := 0; y < h; y++ {
			row := dst[y*stride:]
			for x := 0; x < w; x++ {
				yi := m.YOffset(b.Min.X+x, b.Min.Y+y)
				ci := m.COffset(b.Min.X+x, b.Min.Y+y)
				c0, c1, c2 := m.Y[yi], m.Cb[ci], m.Cr[ci]
				if toRGB {
					c0, c1, c2 = color.YCbCrToRGB(c0, c1, c2)
				}
				row[x*3], row[x*3+1], row[x*3+2] = c0, c1, c2
			}
		}

	case *image.RGBA:
		if spp != 3 {
			return fmt.Errorf("%w: RGB JPEG with %d samples per pixel", ErrUnsupported, spp)
		}
		for y := 0; y < h; y++ {
			row := dst[y*stride:]
			src := m.Pix[y*m.Stride:]
			for x := 0; x < w; x++ {
				copy(row[x*3:x*3+3], src[x*4:x*4+3])
			}
		}

	case *image.CMYK:
		if spp != 4 {
			return fmt.Errorf("%w: CMYK JPEG with %d samples per pixel", ErrUnsupported, spp)
		}
		for y := 0; y < h; y++ {
			copy(dst[y*stride:y*stride+w*4], m.Pix[y*m.Stride:])
		}

	default:
		return fmt.Errorf("%w: JPEG colour model %T", ErrUnsupported, img)
	}

	return nil
}

func undoHorizontalDifferencing(p []byte, width, spp int) {
	stride := width * spp
	for row := 0; row+stride <= len(p); row += stride {
		line := p[row : row+stride]
		for i := spp; i < len(line); i++ {
			line[i] += line[i-spp]
		}
	}
}

// unpackBits decodes PackBits data (TIFF 6.0 specification, section 9)
// until dst is full.
func unpackBits(dst, src []byte) error {
	n, i := 0, 0
	for n < len(dst) {
		if i >= len(src) {
			return io.ErrUnexpectedEOF
		}
		c := int8(src[i])
		i++
		switch {
		case c >= 0:
			count := int(c) + 1
			if i+count > len(src) {
				return io.ErrUnexpectedEOF
			}
			n += copy(dst[n:], src[i:i+count])
			i += count

		case c == -128:
			// no-op

		default:
			count := 1 - int(c)
			if i >= len(src) {
				return io.ErrUnexpectedEOF
			}
			val := src[i]
			i++
			for ; count > 0 && n < len(dst); count-- {
				dst[n] = val
				n++
			}
		}
	}
	return nil
}

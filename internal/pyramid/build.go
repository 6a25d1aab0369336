// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package pyramid

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"runtime"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/brawer/zoomify/internal/ptiff"
)

// BuildOptions controls how Build compresses a pyramid.
type BuildOptions struct {
	TileSize    int               // default 256, must be a multiple of 16
	Quality     int               // JPEG quality, default 85
	Compression ptiff.Compression // CompressionJPEG (default) or CompressionDeflate
}

func (o *BuildOptions) setDefaults() error {
	if o.TileSize == 0 {
		o.TileSize = 256
	}
	if o.TileSize < 16 || o.TileSize%16 != 0 {
		return fmt.Errorf("tile size %d is not a positive multiple of 16", o.TileSize)
	}
	if o.Quality == 0 {
		o.Quality = DefaultQuality
	}
	o.Quality = clampQuality(o.Quality)
	switch o.Compression {
	case 0:
		o.Compression = ptiff.CompressionJPEG
	case ptiff.CompressionJPEG, ptiff.CompressionDeflate:
	default:
		return fmt.Errorf("cannot build pyramids with %v compression", o.Compression)
	}
	return nil
}

// Build writes a pyramid TIFF for src to path. Every level is half the
// size of the previous one, until a level fits into a single tile.
func Build(ctx context.Context, path string, src image.Image, opts BuildOptions) error {
	if err := opts.setDefaults(); err != nil {
		return err
	}
	if src.Bounds().Empty() {
		return fmt.Errorf("empty source image")
	}

	w, err := ptiff.NewWriter(path)
	if err != nil {
		return err
	}
	closed := false
	defer func() {
		if !closed {
			w.Close()
		}
	}()

	level := toRGBA(src)
	for {
		if err := buildLevel(ctx, w, level, opts); err != nil {
			return err
		}

		b := level.Bounds()
		if b.Dx() <= opts.TileSize && b.Dy() <= opts.TileSize {
			break
		}
		level = halve(level)
	}

	closed = true
	return w.Close()
}

func toRGBA(src image.Image) *image.RGBA {
	b := src.Bounds()
	m := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(m, m.Bounds(), src, b.Min, draw.Src)
	return m
}

func halve(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	w, h := (b.Dx()+1)/2, (b.Dy()+1)/2
	dst := image.NewRGBA(image.Rect(0, 0, max(w, 1), max(h, 1)))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

func buildLevel(ctx context.Context, w *ptiff.Writer, m *image.RGBA, opts BuildOptions) error {
	s := opts.TileSize
	b := m.Bounds()
	across := (b.Dx() + s - 1) / s
	down := (b.Dy() + s - 1) / s
	tiles := make([][]byte, across*down)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i := range tiles {
		i := i
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			x, y := i%across, i/across
			tile := image.NewRGBA(image.Rect(0, 0, s, s))
			draw.Draw(tile, tile.Bounds(), m, image.Pt(x*s, y*s), draw.Src)
			data, err := encodeTile(tile, opts)
			if err != nil {
				return fmt.Errorf("tile %d: %w", i, err)
			}
			tiles[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	spec := ptiff.LevelSpec{
		Width:           uint32(b.Dx()),
		Height:          uint32(b.Dy()),
		TileSize:        uint32(s),
		SamplesPerPixel: 3,
		Photometric:     ptiff.PhotometricRGB,
		Compression:     opts.Compression,
	}

	if opts.Compression == ptiff.CompressionJPEG {
		// Go's encoder writes identical tables for every image of the
		// same quality, so they can be shared by all tiles.
		spec.Photometric = ptiff.PhotometricYCbCr
		for i, data := range tiles {
			tables, tile, err := SplitJPEG(data)
			if err != nil {
				return err
			}
			if spec.JPEGTables == nil {
				spec.JPEGTables = tables
			} else if !bytes.Equal(tables, spec.JPEGTables) {
				return fmt.Errorf("tile %d has different JPEG tables", i)
			}
			tiles[i] = tile
		}
	}

	level, err := w.AddLevel(spec)
	if err != nil {
		return err
	}
	for i, data := range tiles {
		if err := w.WriteTile(level, i, data); err != nil {
			return err
		}
	}
	return nil
}

func encodeTile(tile *image.RGBA, opts BuildOptions) ([]byte, error) {
	var buf bytes.Buffer
	if opts.Compression == ptiff.CompressionJPEG {
		if err := jpeg.Encode(&buf, tile, &jpeg.Options{Quality: opts.Quality}); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	b := tile.Bounds()
	rgb := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := 0; y < b.Dy(); y++ {
		row := tile.Pix[y*tile.Stride:]
		for x := 0; x < b.Dx(); x++ {
			rgb = append(rgb, row[x*4], row[x*4+1], row[x*4+2])
		}
	}

	zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(rgb); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// JPEG markers, ITU T.81 table B.1.
const (
	markerSOI = 0xd8
	markerEOI = 0xd9
	markerSOS = 0xda
	markerDQT = 0xdb
	markerDHT = 0xc4
)

var errNotJPEG = errors.New("not a JPEG stream")

// SplitJPEG splits a JPEG stream into a tables-only stream, holding its
// quantization and Huffman tables, and an abbreviated stream with
// everything else. This is the layout of JPEG-compressed TIFF tiles
// that share their tables in the JPEGTables tag.
func SplitJPEG(stream []byte) (tables, tile []byte, err error) {
	if len(stream) < 4 || stream[0] != 0xff || stream[1] != markerSOI {
		return nil, nil, errNotJPEG
	}

	tables = []byte{0xff, markerSOI}
	tile = []byte{0xff, markerSOI}
	pos := 2
	for {
		if pos+4 > len(stream) || stream[pos] != 0xff {
			return nil, nil, fmt.Errorf("%w: bad marker at offset %d", errNotJPEG, pos)
		}
		marker := stream[pos+1]
		if marker == markerSOS {
			// Entropy-coded data follows, up to and including EOI.
			tile = append(tile, stream[pos:]...)
			break
		}
		if marker == markerEOI {
			return nil, nil, fmt.Errorf("%w: no image data", errNotJPEG)
		}

		end := pos + 2 + int(binary.BigEndian.Uint16(stream[pos+2:]))
		if end > len(stream) {
			return nil, nil, fmt.Errorf("%w: truncated segment at offset %d", errNotJPEG, pos)
		}
		if marker == markerDQT || marker == markerDHT {
			tables = append(tables, stream[pos:end]...)
		} else {
			tile = append(tile, stream[pos:end]...)
		}
		pos = end
	}

	tables = append(tables, 0xff, markerEOI)
	return tables, tile, nil
}

// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

// Package pyramid serves Zoomify tiles out of pyramid TIFF images.
//
// An Image translates Zoomify tile addresses into tiles of the
// underlying container. Full-size JPEG tiles are passed through without
// decompression; all other tiles get decoded and compressed again.
// Image is safe for concurrent use.
package pyramid

import (
	"context"
	"sync"

	"github.com/brawer/zoomify/internal/ptiff"
)

// Strategy tells how the payload for a tile gets produced.
type Strategy int

const (
	// PassThrough returns the stored JPEG data, completed with the
	// shared JPEG tables.
	PassThrough Strategy = iota

	// Recompress decodes the stored tile and encodes it as JPEG.
	Recompress
)

func (s Strategy) String() string {
	switch s {
	case PassThrough:
		return "passthrough"
	case Recompress:
		return "recompress"
	default:
		return "unknown"
	}
}

// Image is an opened pyramid image.
type Image struct {
	TileSize    int
	Channels    int
	Photometric ptiff.Photometric
	Compression ptiff.Compression
	Levels      []Level // a copy; changing it does not affect addressing

	catalog *Catalog
	c       Container

	// Guards the JPEG colour mode of the container while a tile
	// gets decoded with a temporarily changed mode.
	mu sync.Mutex

	// Full-tile buffers for decoding.
	buffers sync.Pool
}

// Open opens a pyramid TIFF file.
func Open(path string) (*Image, error) {
	f, err := ptiff.Open(path)
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}

	img, err := New(f)
	if err != nil {
		f.Close()
		err.(*OpenError).Path = path
		return nil, err
	}
	return img, nil
}

// New returns an Image for reading from a container. The Image takes
// ownership of the container and closes it in Close. Any returned
// error is an *OpenError.
func New(c Container) (*Image, error) {
	cat, err := BuildCatalog(c)
	if err != nil {
		return nil, &OpenError{Err: err}
	}

	d, err := c.Level(0)
	if err != nil {
		return nil, &OpenError{Err: err}
	}

	img := &Image{
		TileSize:    cat.TileSize,
		Channels:    int(d.SamplesPerPixel),
		Photometric: d.Photometric,
		Compression: d.Compression,
		Levels:      append([]Level(nil), cat.Levels...),
		catalog:     cat,
		c:           c,
	}
	bufSize := img.TileSize * img.TileSize * img.Channels
	img.buffers.New = func() any {
		buf := make([]byte, bufSize)
		return &buf
	}
	return img, nil
}

// Close releases the underlying container.
func (img *Image) Close() error {
	return img.c.Close()
}

// Catalog returns the resolution levels of the image.
func (img *Image) Catalog() *Catalog {
	return img.catalog
}

// Properties returns the content of ImageProperties.xml.
func (img *Image) Properties() string {
	return img.catalog.Properties()
}

// Strategy tells how Extract would produce the payload for a tile.
// Only JPEG tiles that cover a full tile cell can be passed through;
// edge tiles are re-encoded at their trimmed size.
func (img *Image) Strategy(g Geometry) Strategy {
	if img.Compression == ptiff.CompressionJPEG &&
		g.TileWidth == img.TileSize && g.TileHeight == img.TileSize {
		return PassThrough
	}
	return Recompress
}

// Locate resolves a Zoomify tile address and checks that the container
// actually stores the tile.
func (img *Image) Locate(level, x, y int) (Geometry, error) {
	g, err := img.catalog.Resolve(level, x, y)
	if err != nil {
		return Geometry{}, err
	}

	n, err := img.c.NumTiles(g.NativeLevel)
	if err != nil {
		return Geometry{}, err
	}
	if g.TileIndex >= n {
		return Geometry{}, &AddressError{
			Kind:  ErrUnknownTile,
			Level: level,
			X:     x,
			Y:     y,
			Tile:  g.TileIndex,
			Limit: n,
		}
	}
	return g, nil
}

// Tile returns a standalone JPEG image for a tile. Quality only
// matters for tiles that need to be compressed again.
func (img *Image) Tile(ctx context.Context, level, x, y, quality int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g, err := img.Locate(level, x, y)
	if err != nil {
		return nil, err
	}
	return img.Extract(ctx, g, quality)
}

// TileByName is like Tile, but takes a tile name such as "2-1-0.jpg".
func (img *Image) TileByName(ctx context.Context, name string, quality int) ([]byte, error) {
	a, err := ParseAddress(name)
	if err != nil {
		return nil, err
	}
	return img.Tile(ctx, a.Level, a.X, a.Y, quality)
}

// Extract produces the JPEG payload for a tile located by Locate.
func (img *Image) Extract(ctx context.Context, g Geometry, quality int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if img.Strategy(g) == PassThrough {
		return img.passThrough(g)
	}
	return img.recompress(g, quality)
}

func (img *Image) passThrough(g Geometry) ([]byte, error) {
	raw, err := img.c.ReadRawTile(g.NativeLevel, g.TileIndex)
	if err != nil {
		return nil, &ExtractError{Kind: ErrRawRead, Level: g.Level, Tile: g.TileIndex, Err: err}
	}

	tables, present := img.c.JPEGTables(g.NativeLevel)
	out, err := Splice(tables, present, raw)
	if err != nil {
		return nil, &ExtractError{Kind: err, Level: g.Level, Tile: g.TileIndex}
	}
	return out, nil
}

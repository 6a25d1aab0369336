// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package pyramid

import (
	"fmt"

	"github.com/brawer/zoomify/internal/ptiff"
)

// Number of tiles in a Zoomify TileGroup directory.
const tilesPerGroup = 256

// Container is the subset of a pyramid TIFF reader used by this package.
// Every read takes the native level explicitly; *ptiff.File implements it.
type Container interface {
	NumLevels() int
	Level(level int) (*ptiff.Directory, error)
	NumTiles(level int) (int, error)
	ReadRawTile(level, tile int) ([]byte, error)
	ReadEncodedTile(level, tile int, buf []byte) (int, error)
	JPEGTables(level int) ([]byte, bool)
	SetJPEGColorMode(m ptiff.ColorMode) ptiff.ColorMode
	Close() error
}

// Level is the pixel size of one pyramid level.
type Level struct {
	Width, Height int
}

func (l Level) tilesAcross(tileSize int) int {
	return (l.Width + tileSize - 1) / tileSize
}

func (l Level) tilesDown(tileSize int) int {
	return (l.Height + tileSize - 1) / tileSize
}

// Catalog lists the resolution levels of a pyramid image in native
// order, where Levels[0] is the most detailed one. Zoomify clients
// count the other way round: their level 0 is the coarsest.
// A Catalog is never modified after BuildCatalog returns.
type Catalog struct {
	TileSize int
	Levels   []Level
	NumTiles int
}

// Geometry describes one tile of a pyramid image.
type Geometry struct {
	Level       int // Zoomify level, 0 is coarsest
	NativeLevel int // container level, 0 is most detailed
	X, Y        int
	TileIndex   int
	TileWidth   int
	TileHeight  int
	TilesAcross int
	TilesDown   int
}

// BuildCatalog reads the level dimensions of a container. Levels are
// collected until one fits into a single tile; any coarser levels in
// the container are not addressable.
func BuildCatalog(c Container) (*Catalog, error) {
	if c.NumLevels() == 0 {
		return nil, ErrNotTiled
	}

	d, err := c.Level(0)
	if err != nil {
		return nil, err
	}
	if d.TileWidth != d.TileHeight {
		return nil, fmt.Errorf("%w: %dx%d", ErrTileShape, d.TileWidth, d.TileHeight)
	}
	if d.TileWidth == 0 {
		return nil, ErrNotTiled
	}

	cat := &Catalog{TileSize: int(d.TileWidth)}
	cat.add(d)
	for i := 1; i < c.NumLevels(); i++ {
		last := cat.Levels[len(cat.Levels)-1]
		if last.Width <= cat.TileSize && last.Height <= cat.TileSize {
			break
		}

		d, err := c.Level(i)
		if err != nil {
			return nil, err
		}
		if !d.Tiled() {
			return nil, fmt.Errorf("%w: level %d", ErrNotTiled, i)
		}
		if int(d.TileWidth) != cat.TileSize || int(d.TileHeight) != cat.TileSize {
			return nil, fmt.Errorf("%w: level %d has %dx%d tiles, want %d",
				ErrTileShape, i, d.TileWidth, d.TileHeight, cat.TileSize)
		}
		cat.add(d)
	}

	return cat, nil
}

func (cat *Catalog) add(d *ptiff.Directory) {
	l := Level{Width: int(d.Width), Height: int(d.Height)}
	cat.Levels = append(cat.Levels, l)
	cat.NumTiles += l.tilesAcross(cat.TileSize) * l.tilesDown(cat.TileSize)
}

// NumLevels returns the number of addressable levels.
func (cat *Catalog) NumLevels() int {
	return len(cat.Levels)
}

// Width returns the width of the most detailed level.
func (cat *Catalog) Width() int {
	return cat.Levels[0].Width
}

// Height returns the height of the most detailed level.
func (cat *Catalog) Height() int {
	return cat.Levels[0].Height
}

// Properties returns the content of ImageProperties.xml.
func (cat *Catalog) Properties() string {
	return fmt.Sprintf(
		`<IMAGE_PROPERTIES WIDTH="%d" HEIGHT="%d" NUMTILES="%d" NUMIMAGES="1" VERSION="1.8" TILESIZE="%d" />`+"\n",
		cat.Width(), cat.Height(), cat.NumTiles, cat.TileSize)
}

// LevelSize returns the dimensions of a level in Zoomify numbering.
func (cat *Catalog) LevelSize(level int) (Level, error) {
	n := len(cat.Levels)
	if level < 0 || level >= n {
		return Level{}, &AddressError{Kind: ErrUnknownLevel, Level: level, Limit: n}
	}
	return cat.Levels[n-level-1], nil
}

// Resolve translates a Zoomify tile address into the geometry of the
// tile in the container. Tiles on the right and bottom edges are
// trimmed to the part that overlaps the image.
func (cat *Catalog) Resolve(level, x, y int) (Geometry, error) {
	l, err := cat.LevelSize(level)
	if err != nil {
		ae := err.(*AddressError)
		ae.X, ae.Y = x, y
		return Geometry{}, ae
	}

	s := cat.TileSize
	g := Geometry{
		Level:       level,
		NativeLevel: len(cat.Levels) - level - 1,
		X:           x,
		Y:           y,
		TilesAcross: l.tilesAcross(s),
		TilesDown:   l.tilesDown(s),
		TileWidth:   s,
		TileHeight:  s,
	}
	if x < 0 || y < 0 || x >= g.TilesAcross || y >= g.TilesDown {
		return Geometry{}, &AddressError{
			Kind:  ErrUnknownTile,
			Level: level,
			X:     x,
			Y:     y,
			Tile:  y*g.TilesAcross + x,
			Limit: g.TilesAcross * g.TilesDown,
		}
	}

	g.TileIndex = y*g.TilesAcross + x
	if rem := l.Width % s; x == g.TilesAcross-1 && rem != 0 {
		g.TileWidth = rem
	}
	if rem := l.Height % s; y == g.TilesDown-1 && rem != 0 {
		g.TileHeight = rem
	}
	return g, nil
}

// TileGroup returns the number of the TileGroup directory holding a
// tile in a Zoomify file bundle. Tiles are numbered from the coarsest
// level to the most detailed one, row by row, and every group holds
// 256 tiles.
func (cat *Catalog) TileGroup(g Geometry) int {
	index := 0
	for level := 0; level < g.Level; level++ {
		l := cat.Levels[len(cat.Levels)-level-1]
		index += l.tilesAcross(cat.TileSize) * l.tilesDown(cat.TileSize)
	}
	index += g.TileIndex
	return index / tilesPerGroup
}

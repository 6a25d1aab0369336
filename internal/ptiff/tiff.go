// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

// Package ptiff reads and writes tiled, multi-resolution (pyramid) TIFF
// files. Every Image File Directory in the main chain is one pyramid
// level; the first one is the most detailed.
//
// Reading never keeps a "current directory": every accessor takes the
// level as an explicit argument, so a File can serve concurrent readers.
// The only mutable state is the JPEG colour mode, see SetJPEGColorMode.
package ptiff

import (
	"errors"
	"fmt"
)

// TIFF tags, TIFF 6.0 specification.
const (
	tagNewSubfileType   = 254
	tagImageWidth       = 256
	tagImageLength      = 257
	tagBitsPerSample    = 258
	tagCompression      = 259
	tagPhotometric      = 262
	tagImageDescription = 270
	tagSamplesPerPixel  = 277
	tagPlanarConfig     = 284
	tagPredictor        = 317
	tagSoftware         = 305
	tagTileWidth        = 322
	tagTileLength       = 323
	tagTileOffsets      = 324
	tagTileByteCounts   = 325
	tagJPEGTables       = 347
	tagYCbCrSubsampling = 530
)

// TIFF field types.
const (
	typeByte      = 1
	typeASCII     = 2
	typeShort     = 3
	typeLong      = 4
	typeRational  = 5
	typeSByte     = 6
	typeUndefined = 7
	typeSShort    = 8
	typeSLong     = 9
	typeSRational = 10
	typeFloat     = 11
	typeDouble    = 12
)

var typeSize = [...]uint32{
	typeByte:      1,
	typeASCII:     1,
	typeShort:     2,
	typeLong:      4,
	typeRational:  8,
	typeSByte:     1,
	typeUndefined: 1,
	typeSShort:    2,
	typeSLong:     4,
	typeSRational: 8,
	typeFloat:     4,
	typeDouble:    8,
}

// Compression is the value of the TIFF Compression tag.
type Compression uint16

const (
	CompressionNone       Compression = 1
	CompressionLZW        Compression = 5
	CompressionJPEG       Compression = 7
	CompressionDeflate    Compression = 8
	CompressionPackBits   Compression = 32773
	CompressionDeflateOld Compression = 32946
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZW:
		return "lzw"
	case CompressionJPEG:
		return "jpeg"
	case CompressionDeflate, CompressionDeflateOld:
		return "deflate"
	case CompressionPackBits:
		return "packbits"
	default:
		return fmt.Sprintf("compression(%d)", uint16(c))
	}
}

// Photometric is the value of the TIFF PhotometricInterpretation tag.
type Photometric uint16

const (
	PhotometricWhiteIsZero Photometric = 0
	PhotometricBlackIsZero Photometric = 1
	PhotometricRGB         Photometric = 2
	PhotometricPalette     Photometric = 3
	PhotometricSeparated   Photometric = 5
	PhotometricYCbCr       Photometric = 6
)

func (p Photometric) String() string {
	switch p {
	case PhotometricWhiteIsZero:
		return "white-is-zero"
	case PhotometricBlackIsZero:
		return "black-is-zero"
	case PhotometricRGB:
		return "rgb"
	case PhotometricPalette:
		return "palette"
	case PhotometricSeparated:
		return "separated"
	case PhotometricYCbCr:
		return "ycbcr"
	default:
		return fmt.Sprintf("photometric(%d)", uint16(p))
	}
}

// ColorMode controls how JPEG-compressed YCbCr tiles are returned by
// ReadEncodedTile. It mirrors the JPEGCOLORMODE pseudo-tag of libtiff.
type ColorMode int

const (
	// ColorModeRaw returns the samples as stored, Y/Cb/Cr for YCbCr images.
	ColorModeRaw ColorMode = iota
	// ColorModeRGB converts YCbCr samples to RGB.
	ColorModeRGB
)

const (
	predictorNone       = 1
	predictorHorizontal = 2
)

var (
	ErrFormat      = errors.New("ptiff: not a TIFF file")
	ErrUnsupported = errors.New("ptiff: unsupported TIFF feature")
	ErrNoLevel     = errors.New("ptiff: no such level")
	ErrNoTile      = errors.New("ptiff: no such tile")
)

// Directory holds the structural metadata of one Image File Directory.
type Directory struct {
	Width, Height         uint32
	TileWidth, TileHeight uint32
	BitsPerSample         []uint16
	SamplesPerPixel       uint16
	Compression           Compression
	Photometric           Photometric
	Predictor             uint16
	PlanarConfig          uint16
	SubfileType           uint32
	YCbCrSubsampling      [2]uint16
	TileOffsets           []uint32
	TileByteCounts        []uint32
	JPEGTables            []byte
	hasJPEGTables         bool
}

// Tiled reports whether the directory describes a tiled (not stripped) image.
func (d *Directory) Tiled() bool {
	return d.TileWidth > 0 && d.TileHeight > 0
}

// TilesAcross returns the number of tile columns.
func (d *Directory) TilesAcross() int {
	if d.TileWidth == 0 {
		return 0
	}
	return int((d.Width + d.TileWidth - 1) / d.TileWidth)
}

// TilesDown returns the number of tile rows.
func (d *Directory) TilesDown() int {
	if d.TileHeight == 0 {
		return 0
	}
	return int((d.Height + d.TileHeight - 1) / d.TileHeight)
}

// DecodedTileSize returns the number of bytes of one decoded tile,
// in chunky 8-bit samples at full tile geometry.
func (d *Directory) DecodedTileSize() int {
	return int(d.TileWidth) * int(d.TileHeight) * int(d.SamplesPerPixel)
}

func (d *Directory) eightBit() bool {
	for _, b := range d.BitsPerSample {
		if b != 8 {
			return false
		}
	}
	return true
}

// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package ptiff

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestTIFF writes a pyramid TIFF whose tiles hold the given data.
func writeTestTIFF(t *testing.T, specs []LevelSpec, tiles [][][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.tif")
	w, err := NewWriter(path)
	require.NoError(t, err)
	for i, spec := range specs {
		level, err := w.AddLevel(spec)
		require.NoError(t, err)
		for tile, data := range tiles[i] {
			require.NoError(t, w.WriteTile(level, tile, data))
		}
	}
	require.NoError(t, w.Close())
	return path
}

func uncompressedTile(size, spp int, seed byte) []byte {
	data := make([]byte, size*size*spp)
	for i := range data {
		data[i] = seed + byte(i)
	}
	return data
}

func TestOpen_roundTrip(t *testing.T) {
	specs := []LevelSpec{
		{Width: 40, Height: 20, TileSize: 16, SamplesPerPixel: 3,
			Photometric: PhotometricRGB, Compression: CompressionNone},
		{Width: 16, Height: 10, TileSize: 16, SamplesPerPixel: 3,
			Photometric: PhotometricRGB, Compression: CompressionNone},
	}
	tiles := [][][]byte{make([][]byte, 6), {uncompressedTile(16, 3, 200)}}
	for i := range tiles[0] {
		tiles[0][i] = uncompressedTile(16, 3, byte(i))
	}
	path := writeTestTIFF(t, specs, tiles)

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	require.Equal(t, 2, f.NumLevels())

	d, err := f.Level(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(40), d.Width)
	assert.Equal(t, uint32(20), d.Height)
	assert.Equal(t, uint32(16), d.TileWidth)
	assert.Equal(t, uint32(16), d.TileHeight)
	assert.Equal(t, []uint16{8, 8, 8}, d.BitsPerSample)
	assert.Equal(t, uint16(3), d.SamplesPerPixel)
	assert.Equal(t, CompressionNone, d.Compression)
	assert.Equal(t, PhotometricRGB, d.Photometric)
	assert.Equal(t, uint32(0), d.SubfileType)
	assert.Equal(t, 3, d.TilesAcross())
	assert.Equal(t, 2, d.TilesDown())
	assert.True(t, d.Tiled())

	d1, err := f.Level(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), d1.SubfileType)
	assert.Len(t, d1.TileOffsets, 1)

	n, err := f.NumTiles(0)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	for i, want := range tiles[0] {
		got, err := f.ReadRawTile(0, i)
		require.NoError(t, err)
		assert.Equal(t, want, got, "tile %d", i)
	}
	got, err := f.ReadRawTile(1, 0)
	require.NoError(t, err)
	assert.Equal(t, tiles[1][0], got)

	_, err = f.ReadRawTile(0, 6)
	assert.ErrorIs(t, err, ErrNoTile)
	_, err = f.Level(2)
	assert.ErrorIs(t, err, ErrNoLevel)

	_, present := f.JPEGTables(0)
	assert.False(t, present)
}

func TestOpen_sharedTiles(t *testing.T) {
	same := uncompressedTile(16, 1, 7)
	specs := []LevelSpec{{Width: 32, Height: 32, TileSize: 16,
		Photometric: PhotometricBlackIsZero, Compression: CompressionNone}}
	path := writeTestTIFF(t, specs, [][][]byte{{same, uncompressedTile(16, 1, 1), same, same}})

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	d, err := f.Level(0)
	require.NoError(t, err)
	assert.Equal(t, d.TileOffsets[0], d.TileOffsets[2])
	assert.Equal(t, d.TileOffsets[0], d.TileOffsets[3])
	assert.NotEqual(t, d.TileOffsets[0], d.TileOffsets[1])
	for i := range d.TileOffsets {
		assert.Zero(t, d.TileOffsets[i]%2, "tile %d not aligned", i)
	}
}

func TestOpen_jpegTables(t *testing.T) {
	// Up to four bytes are stored inline in the directory entry,
	// longer tables elsewhere in the file.
	for _, tables := range [][]byte{
		{0xff, 0xd8, 0xff, 0xd9},
		{0xff, 0xd8, 0xff},
		{0xff, 0xd8, 0xff, 0xdb, 0x00, 0x03, 0x07, 0xff, 0xd9},
	} {
		specs := []LevelSpec{{Width: 16, Height: 16, TileSize: 16,
			Photometric: PhotometricBlackIsZero, Compression: CompressionJPEG,
			JPEGTables: tables}}
		path := writeTestTIFF(t, specs, [][][]byte{{{0xff, 0xd8, 1, 2, 3}}})

		f, err := Open(path)
		require.NoError(t, err)

		got, present := f.JPEGTables(0)
		assert.True(t, present)
		assert.Equal(t, tables, got)

		raw, err := f.ReadRawTile(0, 0)
		assert.NoError(t, err)
		assert.Equal(t, []byte{0xff, 0xd8, 1, 2, 3}, raw)
		require.NoError(t, f.Close())
	}
}

func TestOpen_notTIFF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.tif")
	require.NoError(t, os.WriteFile(path, []byte("GIF89a and more"), 0644))
	_, err := Open(path)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestOpen_missing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.tif"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNewReader_bigTIFF(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte{'I', 'I', 43, 0, 8, 0, 0, 0}))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestNewReader_ifdLoop(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{'I', 'I', 42, 0})
	binary.Write(&buf, binary.LittleEndian, uint32(8))
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // no entries
	binary.Write(&buf, binary.LittleEndian, uint32(8)) // next IFD: itself
	_, err := NewReader(bytes.NewReader(buf.Bytes()))
	assert.ErrorIs(t, err, ErrFormat)
}

// bigEndianTIFF returns a big-endian grayscale TIFF with one 16x16 tile.
func bigEndianTIFF(tile []byte) []byte {
	type entry struct {
		tag, typ uint16
		val      uint32
	}
	entries := []entry{
		{tagImageWidth, typeShort, 16},
		{tagImageLength, typeShort, 16},
		{tagBitsPerSample, typeShort, 8},
		{tagCompression, typeShort, uint32(CompressionNone)},
		{tagPhotometric, typeShort, uint32(PhotometricBlackIsZero)},
		{tagSamplesPerPixel, typeShort, 1},
		{tagTileWidth, typeLong, 16},
		{tagTileLength, typeLong, 16},
		{tagTileOffsets, typeLong, 0},
		{tagTileByteCounts, typeLong, uint32(len(tile))},
	}
	dataPos := uint32(8 + 2 + len(entries)*12 + 4)

	var buf bytes.Buffer
	buf.Write([]byte{'M', 'M', 0, 42})
	binary.Write(&buf, binary.BigEndian, uint32(8))
	binary.Write(&buf, binary.BigEndian, uint16(len(entries)))
	for _, e := range entries {
		binary.Write(&buf, binary.BigEndian, e.tag)
		binary.Write(&buf, binary.BigEndian, e.typ)
		binary.Write(&buf, binary.BigEndian, uint32(1))
		if e.tag == tagTileOffsets {
			e.val = dataPos
		}
		if e.typ == typeShort {
			// Left-justified in the value field.
			binary.Write(&buf, binary.BigEndian, uint16(e.val))
			binary.Write(&buf, binary.BigEndian, uint16(0))
		} else {
			binary.Write(&buf, binary.BigEndian, e.val)
		}
	}
	binary.Write(&buf, binary.BigEndian, uint32(0))
	buf.Write(tile)
	return buf.Bytes()
}

func TestNewReader_bigEndian(t *testing.T) {
	tile := uncompressedTile(16, 1, 3)
	f, err := NewReader(bytes.NewReader(bigEndianTIFF(tile)))
	require.NoError(t, err)

	d, err := f.Level(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(16), d.Width)
	assert.Equal(t, uint32(16), d.TileHeight)
	assert.Equal(t, PhotometricBlackIsZero, d.Photometric)

	buf := make([]byte, d.DecodedTileSize())
	n, err := f.ReadEncodedTile(0, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 256, n)
	assert.Equal(t, tile, buf)
}

// tileByteCountPos is the position of the TileByteCounts value
// in the file returned by bigEndianTIFF.
const tileByteCountPos = 8 + 2 + 9*12 + 8

func TestNewReader_tilePastEndOfFile(t *testing.T) {
	data := bigEndianTIFF(uncompressedTile(16, 1, 3))
	binary.BigEndian.PutUint32(data[tileByteCountPos:], 1<<30)

	_, err := NewReader(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrFormat)

	path := filepath.Join(t.TempDir(), "corrupt.tif")
	require.NoError(t, os.WriteFile(path, data, 0644))
	_, err = Open(path)
	assert.ErrorIs(t, err, ErrFormat)
}

// sizelessReader hides the size of its data.
type sizelessReader struct {
	r io.ReaderAt
}

func (s sizelessReader) ReadAt(p []byte, off int64) (int, error) {
	return s.r.ReadAt(p, off)
}

func TestReadRawTile_unknownSize(t *testing.T) {
	tile := uncompressedTile(16, 1, 3)
	data := bigEndianTIFF(tile)
	f, err := NewReader(sizelessReader{bytes.NewReader(data)})
	require.NoError(t, err)
	got, err := f.ReadRawTile(0, 0)
	require.NoError(t, err)
	assert.Equal(t, tile, got)

	binary.BigEndian.PutUint32(data[tileByteCountPos:], 1<<30)
	f, err = NewReader(sizelessReader{bytes.NewReader(data)})
	require.NoError(t, err)
	_, err = f.ReadRawTile(0, 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestSetJPEGColorMode(t *testing.T) {
	f := &File{}
	assert.Equal(t, ColorModeRaw, f.JPEGColorMode())
	assert.Equal(t, ColorModeRaw, f.SetJPEGColorMode(ColorModeRGB))
	assert.Equal(t, ColorModeRGB, f.JPEGColorMode())
	assert.Equal(t, ColorModeRGB, f.SetJPEGColorMode(ColorModeRaw))
}

func TestCompression_String(t *testing.T) {
	assert.Equal(t, "jpeg", CompressionJPEG.String())
	assert.Equal(t, "deflate", CompressionDeflateOld.String())
	assert.Equal(t, "compression(34712)", Compression(34712).String())
}

func TestPhotometric_String(t *testing.T) {
	assert.Equal(t, "ycbcr", PhotometricYCbCr.String())
	assert.Equal(t, "black-is-zero", PhotometricBlackIsZero.String())
	assert.Equal(t, "photometric(32844)", Photometric(32844).String())
}

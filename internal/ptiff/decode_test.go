// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package ptiff

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deflate(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, m image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, m, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func uniform(size int, c color.Color) *image.RGBA {
	m := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			m.Set(x, y, c)
		}
	}
	return m
}

func assertNear(t *testing.T, want, got byte, msgAndArgs ...interface{}) {
	t.Helper()
	diff := int(want) - int(got)
	if diff < 0 {
		diff = -diff
	}
	assert.LessOrEqual(t, diff, 4, msgAndArgs...)
}

func TestReadEncodedTile_deflate(t *testing.T) {
	want := uncompressedTile(16, 3, 9)
	specs := []LevelSpec{{Width: 16, Height: 16, TileSize: 16, SamplesPerPixel: 3,
		Photometric: PhotometricRGB, Compression: CompressionDeflate}}
	f, err := Open(writeTestTIFF(t, specs, [][][]byte{{deflate(t, want)}}))
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 16*16*3)
	n, err := f.ReadEncodedTile(0, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, len(want), n)
	assert.Equal(t, want, buf)
}

func TestReadEncodedTile_packBits(t *testing.T) {
	// Run of 256 bytes with value 42: two repeat runs of 128.
	packed := []byte{0x81, 42, 0x81, 42}
	specs := []LevelSpec{{Width: 16, Height: 16, TileSize: 16,
		Photometric: PhotometricBlackIsZero, Compression: CompressionPackBits}}
	f, err := Open(writeTestTIFF(t, specs, [][][]byte{{packed}}))
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 256)
	_, err = f.ReadEncodedTile(0, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{42}, 256), buf)
}

func TestReadEncodedTile_bufferTooSmall(t *testing.T) {
	specs := []LevelSpec{{Width: 16, Height: 16, TileSize: 16,
		Photometric: PhotometricBlackIsZero, Compression: CompressionNone}}
	f, err := Open(writeTestTIFF(t, specs, [][][]byte{{uncompressedTile(16, 1, 0)}}))
	require.NoError(t, err)
	defer f.Close()

	_, err = f.ReadEncodedTile(0, 0, make([]byte, 255))
	assert.Error(t, err)
}

func TestReadEncodedTile_unsupportedCompression(t *testing.T) {
	specs := []LevelSpec{{Width: 16, Height: 16, TileSize: 16,
		Photometric: PhotometricBlackIsZero, Compression: Compression(34712)}}
	f, err := Open(writeTestTIFF(t, specs, [][][]byte{{{1, 2, 3}}}))
	require.NoError(t, err)
	defer f.Close()

	_, err = f.ReadEncodedTile(0, 0, make([]byte, 256))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestReadEncodedTile_jpegGray(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 16, 16))
	for i := range gray.Pix {
		gray.Pix[i] = 160
	}
	specs := []LevelSpec{{Width: 16, Height: 16, TileSize: 16,
		Photometric: PhotometricBlackIsZero, Compression: CompressionJPEG}}
	f, err := Open(writeTestTIFF(t, specs, [][][]byte{{encodeJPEG(t, gray)}}))
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 256)
	_, err = f.ReadEncodedTile(0, 0, buf)
	require.NoError(t, err)
	for i, b := range buf {
		assertNear(t, 160, b, "pixel %d", i)
	}
}

func TestReadEncodedTile_jpegColorMode(t *testing.T) {
	c := color.RGBA{200, 100, 50, 255}
	stream := encodeJPEG(t, uniform(16, c))

	// Tables consisting of just SOI and EOI exercise the splice
	// without changing the stream.
	specs := []LevelSpec{{Width: 16, Height: 16, TileSize: 16, SamplesPerPixel: 3,
		Photometric: PhotometricYCbCr, Compression: CompressionJPEG,
		JPEGTables: []byte{0xff, 0xd8, 0xff, 0xd9}}}
	f, err := Open(writeTestTIFF(t, specs, [][][]byte{{stream}}))
	require.NoError(t, err)
	defer f.Close()

	d, err := f.Level(0)
	require.NoError(t, err)
	assert.Equal(t, [2]uint16{2, 2}, d.YCbCrSubsampling)

	buf := make([]byte, 16*16*3)
	_, err = f.ReadEncodedTile(0, 0, buf)
	require.NoError(t, err)
	yy, cb, cr := color.RGBToYCbCr(c.R, c.G, c.B)
	assertNear(t, yy, buf[0])
	assertNear(t, cb, buf[1])
	assertNear(t, cr, buf[2])

	prev := f.SetJPEGColorMode(ColorModeRGB)
	defer f.SetJPEGColorMode(prev)
	_, err = f.ReadEncodedTile(0, 0, buf)
	require.NoError(t, err)
	last := len(buf) - 3
	assertNear(t, c.R, buf[last])
	assertNear(t, c.G, buf[last+1])
	assertNear(t, c.B, buf[last+2])
}

func TestReadEncodedTile_jpegCorrupt(t *testing.T) {
	specs := []LevelSpec{{Width: 16, Height: 16, TileSize: 16,
		Photometric: PhotometricBlackIsZero, Compression: CompressionJPEG}}
	f, err := Open(writeTestTIFF(t, specs, [][][]byte{{{0xff, 0xd8, 0xff, 0xd9}}}))
	require.NoError(t, err)
	defer f.Close()

	_, err = f.ReadEncodedTile(0, 0, make([]byte, 256))
	assert.Error(t, err)
}

func TestUndoHorizontalDifferencing(t *testing.T) {
	p := []byte{
		10, 20, 1, 1, 255, 2, // first row, two samples per pixel
		5, 5, 5, 5, 5, 5,
	}
	undoHorizontalDifferencing(p, 3, 2)
	assert.Equal(t, []byte{10, 20, 11, 21, 10, 23, 5, 5, 10, 10, 15, 15}, p)
}

func TestUnpackBits(t *testing.T) {
	// Example from the TIFF 6.0 specification, section 9.
	packed := []byte{
		0xfe, 0xaa, 0x02, 0x80, 0x00, 0x2a, 0xfd, 0xaa, 0x03, 0x80,
		0x00, 0x2a, 0x22, 0xf7, 0xaa,
	}
	want := []byte{
		0xaa, 0xaa, 0xaa, 0x80, 0x00, 0x2a, 0xaa, 0xaa, 0xaa, 0xaa,
		0x80, 0x00, 0x2a, 0x22, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa,
		0xaa, 0xaa, 0xaa, 0xaa,
	}
	got := make([]byte, len(want))
	require.NoError(t, unpackBits(got, packed))
	assert.Equal(t, want, got)

	assert.Error(t, unpackBits(make([]byte, 30), packed))
}

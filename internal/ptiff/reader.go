// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package ptiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// Upper bound for the size of a single tag value. Anything bigger
// is taken as a sign of a corrupt file.
const maxTagBytes = 1 << 28

// File is an opened pyramid TIFF.
type File struct {
	r      io.ReaderAt
	size   int64 // -1 if unknown
	closer io.Closer
	order  binary.ByteOrder
	dirs   []*Directory

	mutex     sync.Mutex
	colorMode ColorMode
}

// Open opens the TIFF file at path and reads all its Image File Directories.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	t, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	t.closer = f
	return t, nil
}

// NewReader reads the Image File Directories of a TIFF file from r.
// The returned File keeps using r for reading tile data.
func NewReader(r io.ReaderAt) (*File, error) {
	t := &File{r: r, size: readerSize(r)}
	if err := t.readHeader(); err != nil {
		return nil, err
	}
	return t, nil
}

// readerSize returns the size of r, or -1 if it cannot tell.
func readerSize(r io.ReaderAt) int64 {
	switch v := r.(type) {
	case interface{ Size() int64 }:
		return v.Size()
	case interface{ Stat() (os.FileInfo, error) }:
		if fi, err := v.Stat(); err == nil {
			return fi.Size()
		}
	}
	return -1
}

// Close releases the underlying file, if the File was created by Open.
func (t *File) Close() error {
	if t.closer == nil {
		return nil
	}
	err := t.closer.Close()
	t.closer = nil
	return err
}

// NumLevels returns the number of Image File Directories in the main chain.
func (t *File) NumLevels() int {
	return len(t.dirs)
}

// Level returns the directory for a pyramid level; 0 is the most detailed.
func (t *File) Level(level int) (*Directory, error) {
	if level < 0 || level >= len(t.dirs) {
		return nil, fmt.Errorf("%w: %d", ErrNoLevel, level)
	}
	return t.dirs[level], nil
}

// NumTiles returns the number of tiles stored for a level.
func (t *File) NumTiles(level int) (int, error) {
	d, err := t.Level(level)
	if err != nil {
		return 0, err
	}
	return len(d.TileOffsets), nil
}

// JPEGTables returns the JPEG tables shared by all tiles of a level.
// The boolean result reports whether the JPEGTables tag is present at all.
func (t *File) JPEGTables(level int) ([]byte, bool) {
	d, err := t.Level(level)
	if err != nil {
		return nil, false
	}
	return d.JPEGTables, d.hasJPEGTables
}

// JPEGColorMode returns the current colour mode for JPEG tiles.
func (t *File) JPEGColorMode() ColorMode {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.colorMode
}

// SetJPEGColorMode changes the colour mode for JPEG tiles and returns
// the previous one, so callers can restore it.
func (t *File) SetJPEGColorMode(m ColorMode) ColorMode {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	prev := t.colorMode
	t.colorMode = m
	return prev
}

// ReadRawTile returns the tile data as stored in the file, without
// any decompression.
func (t *File) ReadRawTile(level, tile int) ([]byte, error) {
	d, err := t.Level(level)
	if err != nil {
		return nil, err
	}
	if tile < 0 || tile >= len(d.TileOffsets) || tile >= len(d.TileByteCounts) {
		return nil, fmt.Errorf("%w: level %d, tile %d", ErrNoTile, level, tile)
	}

	offset, n := int64(d.TileOffsets[tile]), int64(d.TileByteCounts[tile])
	if !t.fits(offset, n) {
		return nil, fmt.Errorf("%w: level %d, tile %d extends past end of file", ErrFormat, level, tile)
	}

	// Without a known file size, let the buffer grow with the data
	// that is actually there.
	if t.size < 0 {
		buf, err := io.ReadAll(io.NewSectionReader(t.r, offset, n))
		if err != nil {
			return nil, err
		}
		if int64(len(buf)) != n {
			return nil, io.ErrUnexpectedEOF
		}
		return buf, nil
	}

	buf := make([]byte, n)
	if _, err := t.r.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	return buf, nil
}

// fits reports whether n bytes at offset lie within the file.
func (t *File) fits(offset, n int64) bool {
	return t.size < 0 || (offset >= 0 && n >= 0 && offset+n <= t.size)
}

func (t *File) readHeader() error {
	var header [8]byte
	if _, err := t.r.ReadAt(header[:], 0); err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}

	switch {
	case bytes.Equal(header[0:4], []byte{'I', 'I', 42, 0}):
		t.order = binary.LittleEndian
	case bytes.Equal(header[0:4], []byte{'M', 'M', 0, 42}):
		t.order = binary.BigEndian
	case bytes.Equal(header[0:4], []byte{'I', 'I', 43, 0}),
		bytes.Equal(header[0:4], []byte{'M', 'M', 0, 43}):
		return fmt.Errorf("%w: BigTIFF", ErrUnsupported)
	default:
		return ErrFormat
	}

	// Follow the linked list of Image File Directories. A directory
	// that points back into the chain would make us loop forever.
	seen := make(map[uint32]bool, 8)
	offset := t.order.Uint32(header[4:8])
	for offset != 0 {
		if seen[offset] {
			return fmt.Errorf("%w: IFD loop at offset %d", ErrFormat, offset)
		}
		seen[offset] = true

		d, next, err := t.readIFD(offset)
		if err != nil {
			return err
		}
		if err := t.checkTiles(d); err != nil {
			return err
		}
		t.dirs = append(t.dirs, d)
		offset = next
	}

	if len(t.dirs) == 0 {
		return fmt.Errorf("%w: no image file directory", ErrFormat)
	}
	return nil
}

// checkTiles rejects directories whose tiles lie outside the file.
func (t *File) checkTiles(d *Directory) error {
	if len(d.TileByteCounts) < len(d.TileOffsets) {
		return fmt.Errorf("%w: %d tile offsets but %d byte counts",
			ErrFormat, len(d.TileOffsets), len(d.TileByteCounts))
	}
	for i, offset := range d.TileOffsets {
		if !t.fits(int64(offset), int64(d.TileByteCounts[i])) {
			return fmt.Errorf("%w: tile %d at offset %d with %d bytes extends past end of file",
				ErrFormat, i, offset, d.TileByteCounts[i])
		}
	}
	return nil
}

func (t *File) readIFD(offset uint32) (*Directory, uint32, error) {
	var count [2]byte
	if _, err := t.r.ReadAt(count[:], int64(offset)); err != nil {
		return nil, 0, err
	}
	numDirEntries := int(t.order.Uint16(count[:]))

	ifd := make([]byte, numDirEntries*12+4)
	if _, err := t.r.ReadAt(ifd, int64(offset)+2); err != nil {
		return nil, 0, err
	}

	d := &Directory{
		BitsPerSample:    []uint16{1},
		SamplesPerPixel:  1,
		Compression:      CompressionNone,
		Predictor:        predictorNone,
		PlanarConfig:     1,
		YCbCrSubsampling: [2]uint16{2, 2},
	}
	for i := 0; i < numDirEntries; i++ {
		entry := ifd[i*12 : i*12+12]
		tag := t.order.Uint16(entry[0:2])
		typ := t.order.Uint16(entry[2:4])
		n := t.order.Uint32(entry[4:8])
		if err := t.readEntry(d, tag, typ, n, entry[8:12]); err != nil {
			return nil, 0, fmt.Errorf("tag %d: %w", tag, err)
		}
	}

	if len(d.BitsPerSample) == 1 && d.SamplesPerPixel > 1 {
		bps := d.BitsPerSample[0]
		d.BitsPerSample = make([]uint16, d.SamplesPerPixel)
		for i := range d.BitsPerSample {
			d.BitsPerSample[i] = bps
		}
	}

	next := t.order.Uint32(ifd[numDirEntries*12:])
	return d, next, nil
}

func (t *File) readEntry(d *Directory, tag, typ uint16, count uint32, value []byte) error {
	switch tag {
	case tagImageWidth, tagImageLength, tagBitsPerSample, tagCompression,
		tagPhotometric, tagSamplesPerPixel, tagPlanarConfig, tagPredictor,
		tagTileWidth, tagTileLength, tagTileOffsets, tagTileByteCounts,
		tagNewSubfileType, tagJPEGTables, tagYCbCrSubsampling:
	default:
		return nil // not needed for serving tiles
	}

	data, err := t.entryData(typ, count, value)
	if err != nil {
		return err
	}

	if tag == tagJPEGTables {
		d.JPEGTables = data
		d.hasJPEGTables = true
		return nil
	}

	ints, err := t.ints(typ, count, data)
	if err != nil {
		return err
	}
	if len(ints) == 0 {
		return fmt.Errorf("%w: empty value", ErrFormat)
	}

	switch tag {
	case tagImageWidth:
		d.Width = ints[0]
	case tagImageLength:
		d.Height = ints[0]
	case tagBitsPerSample:
		d.BitsPerSample = make([]uint16, len(ints))
		for i, v := range ints {
			d.BitsPerSample[i] = uint16(v)
		}
	case tagCompression:
		d.Compression = Compression(ints[0])
	case tagPhotometric:
		d.Photometric = Photometric(ints[0])
	case tagSamplesPerPixel:
		d.SamplesPerPixel = uint16(ints[0])
	case tagPlanarConfig:
		d.PlanarConfig = uint16(ints[0])
	case tagPredictor:
		d.Predictor = uint16(ints[0])
	case tagTileWidth:
		d.TileWidth = ints[0]
	case tagTileLength:
		d.TileHeight = ints[0]
	case tagTileOffsets:
		d.TileOffsets = ints
	case tagTileByteCounts:
		d.TileByteCounts = ints
	case tagNewSubfileType:
		d.SubfileType = ints[0]
	case tagYCbCrSubsampling:
		if len(ints) >= 2 {
			d.YCbCrSubsampling = [2]uint16{uint16(ints[0]), uint16(ints[1])}
		}
	}
	return nil
}

// entryData returns the raw bytes of a tag value. Values of up to
// four bytes are stored inline in the directory entry; bigger values
// are stored elsewhere in the file, and the entry holds their offset.
func (t *File) entryData(typ uint16, count uint32, value []byte) ([]byte, error) {
	if int(typ) >= len(typeSize) || typeSize[typ] == 0 {
		return nil, fmt.Errorf("%w: field type %d", ErrFormat, typ)
	}

	size := uint64(typeSize[typ]) * uint64(count)
	if size > maxTagBytes {
		return nil, fmt.Errorf("%w: tag value of %d bytes", ErrFormat, size)
	}

	if size <= 4 {
		return append([]byte(nil), value[:size]...), nil
	}

	offset := int64(t.order.Uint32(value))
	if !t.fits(offset, int64(size)) {
		return nil, fmt.Errorf("%w: tag value at offset %d extends past end of file", ErrFormat, offset)
	}
	data := make([]byte, size)
	if _, err := t.r.ReadAt(data, offset); err != nil {
		return nil, err
	}
	return data, nil
}

func (t *File) ints(typ uint16, count uint32, data []byte) ([]uint32, error) {
	result := make([]uint32, count)
	switch typ {
	case typeByte, typeUndefined:
		for i := range result {
			result[i] = uint32(data[i])
		}
	case typeShort:
		for i := range result {
			result[i] = uint32(t.order.Uint16(data[i*2:]))
		}
	case typeLong:
		for i := range result {
			result[i] = t.order.Uint32(data[i*4:])
		}
	default:
		return nil, fmt.Errorf("%w: got type=%d, want integer", ErrFormat, typ)
	}
	return result, nil
}

// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package ptiff

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// LevelSpec describes one pyramid level to be written by Writer.
type LevelSpec struct {
	Width, Height   uint32
	TileSize        uint32
	SamplesPerPixel uint16
	Photometric     Photometric
	Compression     Compression
	JPEGTables      []byte
}

func (s LevelSpec) numTiles() int {
	across := (s.Width + s.TileSize - 1) / s.TileSize
	down := (s.Height + s.TileSize - 1) / s.TileSize
	return int(across * down)
}

// Writer writes a pyramid TIFF. Compressed tile data is first collected
// in a temporary file; Close assembles the final output with all Image
// File Directories in front of the tile data, and atomically renames
// it into place.
type Writer struct {
	path         string
	tempFile     *os.File
	tempFileSize uint64
	software     string
	levels       []LevelSpec

	// For each level, tileOffsets is the position of the tile data
	// relative to the start of the temporary file. Identical tiles
	// (typically uniform background) share their data; sharedTiles maps
	// the hash of a tile's data to the index of its first occurrence.
	tileOffsets    [][]uint32
	tileByteCounts [][]uint32
	sharedTiles    []map[[sha256.Size]byte]int

	// For each level, the position of the Image File Directory and
	// of the pointers to its TileOffsets and TileByteCounts arrays,
	// relative to the start of the final output TIFF file.
	ifdPos            []int64
	nextIFDPos        []int64
	tileOffsetsPos    []int64
	tileByteCountsPos []int64
}

// NewWriter starts writing a pyramid TIFF to path.
func NewWriter(path string) (*Writer, error) {
	tempFile, err := os.CreateTemp("", "*.tmp")
	if err != nil {
		return nil, err
	}
	return &Writer{path: path, tempFile: tempFile, software: "zoomify"}, nil
}

// AddLevel appends a pyramid level and returns its index. Levels must
// be added from the most detailed to the coarsest.
func (w *Writer) AddLevel(spec LevelSpec) (int, error) {
	if spec.TileSize == 0 || spec.TileSize%16 != 0 {
		return 0, fmt.Errorf("ptiff: tile size %d is not a positive multiple of 16", spec.TileSize)
	}
	if spec.Width == 0 || spec.Height == 0 {
		return 0, fmt.Errorf("ptiff: empty level %dx%d", spec.Width, spec.Height)
	}
	if spec.SamplesPerPixel == 0 {
		spec.SamplesPerPixel = 1
	}

	n := spec.numTiles()
	w.levels = append(w.levels, spec)
	w.tileOffsets = append(w.tileOffsets, make([]uint32, n))
	w.tileByteCounts = append(w.tileByteCounts, make([]uint32, n))
	w.sharedTiles = append(w.sharedTiles, make(map[[sha256.Size]byte]int, 16))
	w.ifdPos = append(w.ifdPos, 0)
	w.nextIFDPos = append(w.nextIFDPos, 0)
	w.tileOffsetsPos = append(w.tileOffsetsPos, 0)
	w.tileByteCountsPos = append(w.tileByteCountsPos, 0)
	return len(w.levels) - 1, nil
}

// WriteTile stores the compressed data for one tile.
func (w *Writer) WriteTile(level, tile int, data []byte) error {
	if level < 0 || level >= len(w.levels) {
		return fmt.Errorf("%w: %d", ErrNoLevel, level)
	}
	if tile < 0 || tile >= len(w.tileOffsets[level]) {
		return fmt.Errorf("%w: level %d, tile %d", ErrNoTile, level, tile)
	}
	if len(data) == 0 {
		return fmt.Errorf("ptiff: empty data for level %d, tile %d", level, tile)
	}

	key := sha256.Sum256(data)
	if same, exists := w.sharedTiles[level][key]; exists {
		w.tileOffsets[level][tile] = w.tileOffsets[level][same]
		w.tileByteCounts[level][tile] = w.tileByteCounts[level][same]
		return nil
	}

	n, err := w.tempFile.Write(data)
	if err != nil {
		return err
	}
	if w.tempFileSize+uint64(n) > 0xffffffff {
		return fmt.Errorf("%w: output exceeds 4GiB, would need BigTIFF", ErrUnsupported)
	}

	w.tileOffsets[level][tile] = uint32(w.tempFileSize)
	w.tileByteCounts[level][tile] = uint32(n)
	w.sharedTiles[level][key] = tile
	w.tempFileSize += uint64(n)
	return nil
}

// Close writes the output file and removes the temporary tile store.
func (w *Writer) Close() error {
	defer w.removeTempFile()

	for level, counts := range w.tileByteCounts {
		for tile, c := range counts {
			if c == 0 {
				return fmt.Errorf("ptiff: missing data for level %d, tile %d", level, tile)
			}
		}
	}

	out, err := os.Create(w.path + ".tmp")
	if err != nil {
		return err
	}
	if err := w.writeTiff(out); err != nil {
		out.Close()
		os.Remove(out.Name())
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(out.Name())
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return err
	}
	return os.Rename(out.Name(), w.path)
}

func (w *Writer) removeTempFile() {
	if w.tempFile == nil {
		return
	}
	name := w.tempFile.Name()
	w.tempFile.Close()
	os.Remove(name)
	w.tempFile = nil
}

func (w *Writer) writeTiff(out *os.File) error {
	if len(w.levels) == 0 {
		return fmt.Errorf("ptiff: no levels to write")
	}

	// Magic header for a little-endian TIFF file that is smaller than 4GiB.
	magic := []byte{'I', 'I', 42, 0}
	if _, err := out.Write(magic); err != nil {
		return err
	}

	// Offset to first Image File Directory in file. This gets overwritten
	// by writeIFDList(), once the actual IFD position is known.
	if err := binary.Write(out, binary.LittleEndian, uint32(0)); err != nil {
		return err
	}

	// Structural Metadata for GDAL and compatible readers.
	// https://gdal.org/drivers/raster/cog.html#header-ghost-area
	smd := `LAYOUT=IFDS_BEFORE_DATA
BLOCK_LEADER=SIZE_AS_UINT4
BLOCK_TRAILER=LAST_4_BYTES_REPEATED
KNOWN_INCOMPATIBLE_EDITION=NO 
`
	if !strings.Contains(smd, "=NO \n") {
		panic("missing space after NO") // as per GDAL documentation
	}

	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("GDAL_STRUCTURAL_METADATA_SIZE=%06d bytes\n", len(smd)))
	buf.WriteString(smd)
	if err := addPadding(&buf); err != nil {
		return err
	}
	if _, err := out.Write(buf.Bytes()); err != nil {
		return err
	}

	for level := range w.levels {
		if err := w.writeIFD(level, out); err != nil {
			return err
		}
	}

	if err := w.writeIFDList(out); err != nil {
		return err
	}

	for level := range w.levels {
		if err := w.writeTiles(level, out); err != nil {
			return err
		}
	}

	// TileByteCounts at the end, as per Cloud-Optimized GeoTIFF discussion:
	// https://github.com/cogeotiff/cog-spec/issues/5#issuecomment-996511137
	for level := range w.levels {
		if err := w.writeTileByteCounts(level, out); err != nil {
			return err
		}
	}

	return nil
}

func (w *Writer) writeIFD(level int, f io.WriteSeeker) error {
	spec := w.levels[level]

	fileSize, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	w.ifdPos[level] = fileSize

	type ifdEntry struct {
		tag uint16
		val uint32
	}
	ifd := []ifdEntry{
		{tagImageWidth, spec.Width},
		{tagImageLength, spec.Height},
		{tagBitsPerSample, 8},
		{tagCompression, uint32(spec.Compression)},
		{tagPhotometric, uint32(spec.Photometric)},
		{tagSamplesPerPixel, uint32(spec.SamplesPerPixel)},
		{tagPlanarConfig, 1},
		{tagTileWidth, spec.TileSize},
		{tagTileLength, spec.TileSize},
		{tagTileOffsets, 0},
		{tagTileByteCounts, 0},
	}
	if len(spec.JPEGTables) > 0 {
		ifd = append(ifd, ifdEntry{tagJPEGTables, 0})
	}
	if spec.Photometric == PhotometricYCbCr {
		ifd = append(ifd, ifdEntry{tagYCbCrSubsampling, 2 | 2<<16})
	}

	// Some TIFF tags are only used on the main (highest resolution) image.
	if level == 0 {
		ifd = append(ifd, ifdEntry{tagSoftware, 0})
	} else {
		// 1 = subsampled low-resolution version of main image
		// TIFF 6.0 specification, page 36
		ifd = append(ifd, ifdEntry{tagNewSubfileType, 1})
	}

	sort.Slice(ifd, func(i, j int) bool { return ifd[i].tag < ifd[j].tag })

	// Position of extra data that does not fit inline in Image File Directory,
	// relative to start of TIFF file.
	extraPos := fileSize + int64(2+len(ifd)*12+4)

	var buf, extraBuf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, uint16(len(ifd))); err != nil {
		return err
	}

	numTiles := uint32(spec.numTiles())
	lastTag := uint16(0)
	for i, e := range ifd {
		ifdEntryPos := fileSize + int64(2+i*12) // 2 bytes for number of entries

		// Tags must appear in increasing order, as required by the
		// TIFF specification.
		if e.tag <= lastTag {
			panic("TIFF tags must be in increasing order")
		}
		lastTag = e.tag

		if err := binary.Write(&buf, binary.LittleEndian, e.tag); err != nil {
			return err
		}
		var typ uint16
		var count, value uint32
		switch e.tag {
		case tagNewSubfileType:
			typ, count, value = typeLong, 1, e.val

		case tagBitsPerSample:
			typ, count, value = typeShort, uint32(spec.SamplesPerPixel), 8
			if spec.SamplesPerPixel > 2 {
				value = uint32(extraPos) + uint32(extraBuf.Len())
				bps := make([]uint16, spec.SamplesPerPixel)
				for i := range bps {
					bps[i] = 8
				}
				if err := binary.Write(&extraBuf, binary.LittleEndian, bps); err != nil {
					return err
				}
			} else if spec.SamplesPerPixel == 2 {
				value = 8 | 8<<16
			}

		case tagSoftware:
			s := []byte(w.software + "\u0000")
			typ, count = typeASCII, uint32(len(s))
			if len(s) <= 4 {
				var inline [4]byte
				copy(inline[:], s)
				value = binary.LittleEndian.Uint32(inline[:])
			} else {
				value = uint32(extraPos) + uint32(extraBuf.Len())
				extraBuf.Write(s)
				if err := addPadding(&extraBuf); err != nil {
					return err
				}
			}

		case tagJPEGTables:
			typ, count = typeUndefined, uint32(len(spec.JPEGTables))
			if len(spec.JPEGTables) <= 4 {
				var inline [4]byte
				copy(inline[:], spec.JPEGTables)
				value = binary.LittleEndian.Uint32(inline[:])
			} else {
				value = uint32(extraPos) + uint32(extraBuf.Len())
				if _, err := extraBuf.Write(spec.JPEGTables); err != nil {
					return err
				}
				if err := addPadding(&extraBuf); err != nil {
					return err
				}
			}

		case tagYCbCrSubsampling:
			typ, count, value = typeShort, 2, e.val

		case tagTileOffsets:
			typ, count, value = typeLong, numTiles, 0xdeadbeef
			w.tileOffsetsPos[level] = ifdEntryPos + 8

		case tagTileByteCounts:
			typ, count, value = typeLong, numTiles, 0xdeadbeef
			w.tileByteCountsPos[level] = ifdEntryPos + 8

		default:
			typ, count, value = typeLong, uint32(1), e.val
			if e.val <= 0xffff {
				typ = typeShort
			}
		}
		if err := binary.Write(&buf, binary.LittleEndian, typ); err != nil {
			return err
		}
		if err := binary.Write(&buf, binary.LittleEndian, count); err != nil {
			return err
		}
		if err := binary.Write(&buf, binary.LittleEndian, value); err != nil {
			return err
		}
	}

	nextIFD := uint32(0)
	w.nextIFDPos[level] = fileSize + int64(buf.Len())
	if err := binary.Write(&buf, binary.LittleEndian, nextIFD); err != nil {
		return err
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return err
	}
	fileSize += int64(buf.Len())

	if err := addPadding(&extraBuf); err != nil {
		return err
	}
	if fileSize != extraPos {
		panic("fileSize != extraPos")
	}

	if _, err := extraBuf.WriteTo(f); err != nil {
		return err
	}

	return nil
}

// writeIFDList sets up a linked list of TIFF Image File Directories,
// ranging from most detailed image to coarsest overview.
func (w *Writer) writeIFDList(f io.WriteSeeker) error {
	pos := int64(4)
	for level := range w.ifdPos {
		if w.ifdPos[level] != 0 {
			if err := patchOffset(f, pos, w.ifdPos[level]); err != nil {
				return err
			}
			pos = w.nextIFDPos[level]
		}
	}
	if err := patchOffset(f, pos, 0); err != nil {
		return err
	}
	return nil
}

// writeTiles writes the tile data for a level to the output TIFF file.
// For each written tile, its offset within the TIFF file is stored into
// the TileOffsets array in the level's Image File Directory.
func (w *Writer) writeTiles(level int, f io.ReadWriteSeeker) error {
	// Only write tiles for a level if we have previously written
	// an Image File Directory.
	if w.tileOffsetsPos[level] == 0 {
		return nil
	}

	fileSize, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	// Align position to four-byte offset relative to start of file.
	if fileSize&3 != 0 {
		padding := []byte{0, 0, 0}[fileSize&3-1:]
		if n, err := f.Write(padding); err == nil {
			fileSize += int64(n)
		} else {
			return err
		}
	}

	numTiles := len(w.tileOffsets[level])

	// Reserve space for tileOffsets. We will overwrite tileOffsets below,
	// once we know the actual offset of each tile. A single offset is
	// stored inline in the Image File Directory.
	tileOffsetsPos := fileSize
	if numTiles > 1 {
		if _, err := f.Write(make([]byte, numTiles*4)); err != nil {
			return err
		}
		fileSize += int64(numTiles * 4)
	}

	// finalPos maps the offset of shared tile data in the temporary
	// file to its offset in the final output.
	finalPos := make(map[uint32]uint32, len(w.sharedTiles[level]))
	finalTileOffsets := make([]uint32, numTiles)
	for tile := 0; tile < numTiles; tile++ {
		tileOffset := w.tileOffsets[level][tile] // offset in temp file
		if pos, exists := finalPos[tileOffset]; exists {
			finalTileOffsets[tile] = pos
			continue
		}

		// Copy tile data into the final TIFF file, with a “tile data
		// leader” and “trailer”, like GDAL does.
		// https://gdal.org/drivers/raster/cog.html#tile-data-leader-and-trailer
		tileSize := w.tileByteCounts[level][tile]
		data := make([]byte, tileSize+8)
		payload := data[4 : 4+tileSize]
		if _, err := w.tempFile.ReadAt(payload, int64(tileOffset)); err != nil {
			return err
		}

		// The leader for tile t is four bytes containing TileByteCount[t]
		// in little-endian encoding, stored at TileOffsets[t] - 4.
		binary.LittleEndian.PutUint32(data[0:4], tileSize)

		// The trailer repeats the last four bytes of the tile data.
		// Clients use it to detect file changes by software that does
		// not support the leader and trailer convention.
		if len(payload) >= 4 {
			copy(data[len(data)-4:], payload[len(payload)-4:])
		} else {
			copy(data[len(data)-4:], payload)
		}

		finalTileOffset := uint32(fileSize) + 4
		finalTileOffsets[tile] = finalTileOffset
		finalPos[tileOffset] = finalTileOffset
		if _, err := f.Write(data); err != nil {
			return err
		}
		fileSize += int64(len(data))
	}

	if numTiles == 1 {
		if _, err := f.Seek(w.tileOffsetsPos[level], io.SeekStart); err != nil {
			return err
		}
		return binary.Write(f, binary.LittleEndian, finalTileOffsets[0])
	}

	if _, err := f.Seek(tileOffsetsPos, io.SeekStart); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, finalTileOffsets); err != nil {
		return err
	}

	// Patch up the Image File Directory so its TileOffsets entry points
	// to the freshly written TileOffsets array.
	return patchOffset(f, w.tileOffsetsPos[level], tileOffsetsPos)
}

// writeTileByteCounts stores the TileByteCounts array into the output TIFF.
func (w *Writer) writeTileByteCounts(level int, f io.WriteSeeker) error {
	pos, sizes := w.tileByteCountsPos[level], w.tileByteCounts[level]

	// Only write byte counts for a level if we have previously written
	// an Image File Directory.
	if pos == 0 {
		return nil
	}

	// If the TileByteCounts array has just one single entry, it fits into
	// the Image File Directory and _has_ to be inlined (as per TIFF spec).
	if len(sizes) == 1 {
		if _, err := f.Seek(pos, io.SeekStart); err != nil {
			return err
		}
		return binary.Write(f, binary.LittleEndian, sizes)
	}

	arrayPos, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	// Align array position to four-byte offset relative to start of file.
	if arrayPos&3 != 0 {
		padding := []byte{0, 0, 0}[arrayPos&3-1:]
		if n, err := f.Write(padding); err == nil {
			arrayPos += int64(n)
		} else {
			return err
		}
	}

	if err := binary.Write(f, binary.LittleEndian, sizes); err != nil {
		return err
	}

	return patchOffset(f, pos, arrayPos)
}

// addPadding writes zero bytes to buf to make its length a multiple of two.
func addPadding(buf *bytes.Buffer) error {
	if buf.Len()&1 != 0 {
		if err := buf.WriteByte(0); err != nil {
			return err
		}
	}
	return nil
}

func patchOffset(f io.WriteSeeker, pos int64, value int64) error {
	if value < 0 || value > 0xffffffff {
		// If this triggers, there probably is a bug in the code that has
		// calculated the passed value.
		panic("offset value out of range")
	}

	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		return err
	}

	return binary.Write(f, binary.LittleEndian, uint32(value))
}

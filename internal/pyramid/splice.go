// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package pyramid

// Splice turns an abbreviated JPEG stream, as stored in a TIFF tile,
// into a standalone JPEG image by putting the shared JPEGTables in
// front of it. Without tables, the tile is already standalone.
//
// The result holds the tables without their EOI marker, followed by
// the tile without its SOI marker, followed by two zero bytes. Its
// length is len(tables)-2+len(raw).
func Splice(tables []byte, present bool, raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, ErrRawRead
	}

	if !present {
		out := make([]byte, len(raw))
		copy(out, raw)
		return out, nil
	}

	// The tables need at least an SOI and an EOI marker.
	if len(tables) < 4 {
		return nil, ErrMissingTables
	}

	offset := len(tables) - 2
	out := make([]byte, offset+len(raw))
	copy(out, tables[:offset])

	// The tile goes two bytes before the end of the tables, so its SOI
	// marker lands on the last two table bytes. Those get put back.
	seam := [2]byte{out[offset-2], out[offset-1]}
	copy(out[offset-2:], raw)
	out[offset-2], out[offset-1] = seam[0], seam[1]

	return out, nil
}

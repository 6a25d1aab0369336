// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package pyramid

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a tile address in Zoomify numbering.
type Address struct {
	Level, X, Y int
}

// String formats the address as used in Zoomify tile file names,
// without directory and extension.
func (a Address) String() string {
	return fmt.Sprintf("%d-%d-%d", a.Level, a.X, a.Y)
}

// ParseAddress parses a tile name such as "TileGroup0/2-1-3.jpg".
// Anything up to the last slash or backslash, and anything from the
// last period on, is ignored. The rest must consist of exactly three
// non-negative decimal numbers separated by dashes.
func ParseAddress(s string) (Address, error) {
	token := s
	if i := strings.LastIndexAny(token, `/\`); i >= 0 {
		token = token[i+1:]
	}
	if i := strings.LastIndexByte(token, '.'); i >= 0 {
		token = token[:i]
	}

	fields := strings.Split(token, "-")
	if len(fields) != 3 {
		return Address{}, &AddressError{Kind: ErrMalformedAddress, Input: s}
	}

	var nums [3]int
	for i, f := range fields {
		// ParseUint rejects signs, so "+1" is malformed too.
		n, err := strconv.ParseUint(f, 10, 31)
		if err != nil {
			return Address{}, &AddressError{Kind: ErrMalformedAddress, Input: s}
		}
		nums[i] = int(n)
	}

	return Address{Level: nums[0], X: nums[1], Y: nums[2]}, nil
}

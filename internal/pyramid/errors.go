// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package pyramid

import (
	"errors"
	"fmt"
)

// Kinds of failure. Callers branch on them with errors.Is; the
// structured error types below carry the context of the failed request.
var (
	ErrNotTiled         = errors.New("image is not tiled")
	ErrTileShape        = errors.New("tiles are not square")
	ErrUnknownLevel     = errors.New("unknown level")
	ErrUnknownTile      = errors.New("unknown tile")
	ErrMalformedAddress = errors.New("malformed tile address")
	ErrDecode           = errors.New("cannot decode tile")
	ErrEncode           = errors.New("cannot encode tile")
	ErrRawRead          = errors.New("cannot read raw tile")
	ErrMissingTables    = errors.New("missing JPEG tables")
)

// OpenError reports a failure to open a pyramid image. The image
// cannot be used at all.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("pyramid: %v", e.Err)
	}
	return fmt.Sprintf("pyramid: cannot open %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// AddressError reports a tile address that does not exist in an image,
// or one that cannot be parsed. It only concerns a single request.
type AddressError struct {
	Kind  error
	Input string
	Level int
	X, Y  int
	Tile  int
	Limit int
}

func (e *AddressError) Error() string {
	switch e.Kind {
	case ErrUnknownLevel:
		return fmt.Sprintf("pyramid: %v %d, image has %d levels", e.Kind, e.Level, e.Limit)
	case ErrUnknownTile:
		return fmt.Sprintf("pyramid: %v %d-%d-%d (index %d, limit %d)",
			e.Kind, e.Level, e.X, e.Y, e.Tile, e.Limit)
	case ErrMalformedAddress:
		return fmt.Sprintf("pyramid: %v %q", e.Kind, e.Input)
	default:
		return fmt.Sprintf("pyramid: %v", e.Kind)
	}
}

func (e *AddressError) Unwrap() error {
	return e.Kind
}

// ExtractError reports a failure to produce the payload for a tile.
// Both the kind and the underlying cause are visible to errors.Is.
type ExtractError struct {
	Kind  error
	Level int
	Tile  int
	Err   error
}

func (e *ExtractError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("pyramid: %v, level %d, tile %d", e.Kind, e.Level, e.Tile)
	}
	return fmt.Sprintf("pyramid: %v, level %d, tile %d: %v", e.Kind, e.Level, e.Tile, e.Err)
}

func (e *ExtractError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

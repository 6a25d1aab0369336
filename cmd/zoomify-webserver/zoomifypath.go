// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ImageKind tells how an image is stored on disk.
type ImageKind int

const (
	// FileBundle is a directory with ImageProperties.xml and
	// TileGroup<N> subdirectories. Parts are served as they are.
	FileBundle ImageKind = iota

	// PyramidTIFF is a single tiled TIFF file. Parts get extracted.
	PyramidTIFF
)

func (k ImageKind) String() string {
	switch k {
	case FileBundle:
		return "Zoomify file bundle"
	case PyramidTIFF:
		return "pyramid TIFF"
	default:
		return "unknown"
	}
}

// PartKind tells which part of a Zoomify image is requested.
type PartKind int

const (
	PartProperties PartKind = iota
	PartTile
)

func (p PartKind) String() string {
	if p == PartProperties {
		return "properties"
	}
	return "tile"
}

var (
	errNotZoomify        = errors.New("not a Zoomify path")
	errImageNotFound     = errors.New("image not found")
	errOutsideRepository = errors.New("path outside repository")
)

var (
	propertiesRegexp = regexp.MustCompile(`(?i)^(.*/[^/]+)/(ImageProperties\.xml)$`)
	tileRegexp       = regexp.MustCompile(`(?i)^(.*/[^/]+)/(TileGroup\d+/\d+-\d+-\d+\.jpg)$`)
)

// ZoomifyPath is a request path, resolved to a file on local disk.
type ZoomifyPath struct {
	Kind     ImageKind
	Part     PartKind
	PartName string // such as "ImageProperties.xml" or "TileGroup0/1-0-1.jpg"
	Image    string // image path within its source, without leading slash
	File     string // the pyramid TIFF, or the part file inside a bundle
	ModTime  time.Time
	Size     int64
}

func (p *ZoomifyPath) ContentType() string {
	if p.Part == PartProperties {
		return "text/xml"
	}
	return "image/jpeg"
}

// ETag is a weak entity tag that changes whenever the underlying
// file gets modified.
func (p *ZoomifyPath) ETag() string {
	return fmt.Sprintf(`W/"%d_%d"`, p.ModTime.UnixMilli(), p.Size)
}

// CacheKey identifies the content of a part across requests.
func (p *ZoomifyPath) CacheKey() string {
	return p.File + "|" + p.ETag() + "|" + strings.ToLower(p.PartName)
}

// Source resolves request paths into files on local disk.
type Source interface {
	Resolve(urlPath string) (*ZoomifyPath, error)
}

// splitZoomifyPath splits a request path such as
// "/maps/zurich.tif/TileGroup0/2-1-3.jpg" into its image path
// "maps/zurich.tif" and the requested part.
func splitZoomifyPath(urlPath string) (image string, part PartKind, partName string, err error) {
	if m := propertiesRegexp.FindStringSubmatch(urlPath); m != nil {
		return strings.TrimPrefix(m[1], "/"), PartProperties, m[2], nil
	}
	if m := tileRegexp.FindStringSubmatch(urlPath); m != nil {
		return strings.TrimPrefix(m[1], "/"), PartTile, m[2], nil
	}
	return "", 0, "", fmt.Errorf("%w: %q", errNotZoomify, urlPath)
}

// Repository is a directory tree on local disk with pyramid TIFFs
// and Zoomify file bundles.
type Repository struct {
	root string
}

func NewRepository(root string) (*Repository, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(real)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repository %s is not a directory", root)
	}

	return &Repository{root: real}, nil
}

func (r *Repository) Root() string {
	return r.root
}

func (r *Repository) Resolve(urlPath string) (*ZoomifyPath, error) {
	image, part, partName, err := splitZoomifyPath(urlPath)
	if err != nil {
		return nil, err
	}

	p, err := r.realPath(image)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}

	zp := &ZoomifyPath{Part: part, PartName: partName, Image: image}
	if info.IsDir() {
		zp.Kind = FileBundle
		zp.File, err = r.realPath(path.Join(image, partName))
		if err != nil {
			return nil, err
		}
		if info, err = os.Stat(zp.File); err != nil {
			return nil, err
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("%w: %s", errImageNotFound, path.Join(image, partName))
		}
	} else {
		zp.Kind = PyramidTIFF
		zp.File = p
	}

	zp.ModTime = info.ModTime()
	zp.Size = info.Size()
	return zp, nil
}

// RealPath resolves a slash-separated path relative to the repository
// root, following symbolic links. The result must stay inside the root.
func (r *Repository) realPath(rel string) (string, error) {
	p, err := filepath.EvalSymlinks(filepath.Join(r.root, filepath.FromSlash(rel)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", errImageNotFound, rel)
		}
		return "", err
	}

	if p != r.root && !strings.HasPrefix(p, r.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", errOutsideRepository, rel)
	}
	return p, nil
}

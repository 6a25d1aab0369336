// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/brawer/zoomify/internal/pyramid"
)

// ImageCache keeps pyramid images open across requests. An image stays
// open while it is in use, even after it got evicted from the cache.
type imageCache struct {
	mutex  sync.Mutex
	images *lru.Cache[string, *cachedImage]
	open   func(path string) (*pyramid.Image, error)
}

type cachedImage struct {
	img     *pyramid.Image
	modTime time.Time
	size    int64

	// Guarded by imageCache.mutex.
	refs    int
	evicted bool
}

func newImageCache(size int, open func(path string) (*pyramid.Image, error)) (*imageCache, error) {
	c := &imageCache{open: open}
	images, err := lru.NewWithEvict[string, *cachedImage](size, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.images = images
	return c, nil
}

// OnEvict gets called by the LRU cache while c.mutex is held.
func (c *imageCache) onEvict(path string, e *cachedImage) {
	e.evicted = true
	if e.refs == 0 {
		e.img.Close()
	}
}

// Acquire returns the opened image at path. Images whose file has
// changed since they were opened get opened again. Callers must call
// Release when done with the image.
func (c *imageCache) Acquire(path string, modTime time.Time, size int64) (*cachedImage, bool, error) {
	c.mutex.Lock()
	if e, ok := c.images.Get(path); ok {
		if e.modTime.Equal(modTime) && e.size == size {
			e.refs++
			c.mutex.Unlock()
			return e, true, nil
		}
		c.images.Remove(path)
	}
	c.mutex.Unlock()

	// Opening reads the image directories, which should not block
	// requests for other images.
	img, err := c.open(path)
	if err != nil {
		return nil, false, err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if e, ok := c.images.Get(path); ok {
		if e.modTime.Equal(modTime) && e.size == size {
			img.Close()
			e.refs++
			return e, true, nil
		}
		c.images.Remove(path)
	}

	// Add does not call onEvict when replacing an existing key,
	// which is why stale entries got removed above.
	e := &cachedImage{img: img, modTime: modTime, size: size, refs: 1}
	c.images.Add(path, e)
	return e, false, nil
}

func (c *imageCache) Release(e *cachedImage) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	e.refs--
	if e.refs == 0 && e.evicted {
		e.img.Close()
	}
}

// Forget evicts the image at path, for example because its file
// got changed or deleted.
func (c *imageCache) Forget(path string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.images.Remove(path)
}

func (c *imageCache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.images.Len()
}

func (c *imageCache) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.images.Purge()
}

// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// RepoWatcher tells about files that change in a repository, so the
// server can drop whatever it has cached about them.
type repoWatcher struct {
	w      *fsnotify.Watcher
	forget func(path string)
	logger *log.Logger
}

func newRepoWatcher(root string, forget func(path string), logger *log.Logger) (*repoWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	if err := watchRecursive(w, root); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", root, err)
	}

	return &repoWatcher{w: w, forget: forget, logger: logger}, nil
}

func watchRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}

// Run handles file system events until ctx is done.
func (rw *repoWatcher) Run(ctx context.Context) {
	defer rw.w.Close()
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-rw.w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					watchRecursive(rw.w, ev.Name)
					continue
				}
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) ||
				ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				rw.forget(ev.Name)
			}

		case err, ok := <-rw.w.Errors:
			if !ok {
				return
			}
			if rw.logger != nil {
				rw.logger.Printf("Watcher error: %v", err)
			}
		}
	}
}

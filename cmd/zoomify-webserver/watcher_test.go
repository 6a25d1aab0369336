// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRepoWatcher(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(dir, "maps")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}

	forgotten := make(chan string, 100)
	rw, err := newRepoWatcher(dir, func(path string) { forgotten <- path }, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rw.Run(ctx)

	// Files in subdirectories are watched, too.
	path := filepath.Join(sub, "a.tif")
	if err := os.WriteFile(path, []byte("changed"), 0644); err != nil {
		t.Fatal(err)
	}

	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-forgotten:
			if got == path {
				return
			}
		case <-timeout:
			t.Fatalf("no event for %s", path)
		}
	}
}

// Command-line tool for pyramid TIFFs and Zoomify images.
//
// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/brawer/zoomify/cmd/zoomifyctl/cmd"
)

var (
	GitSHA string = "NA"
)

func main() {
	// Cancel long-running exports and builds on Ctrl-C.
	ctx, cnc := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cnc()
	if err := cmd.NewRoot(ctx, GitSHA).Execute(); err != nil {
		os.Exit(1)
	}
}

// SPDX-FileCopyrightText: 2022 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

// Package logging sets up the log files of our tools.
package logging

import (
	"io"
	"log"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Flags for all our loggers. Timestamps are in UTC so that log lines
// of different machines can be compared.
const Flags = log.Ldate | log.Ltime | log.LUTC | log.Lshortfile

// Options controls the rotation of log files.
type Options struct {
	Dir        string // default "logs"
	MaxSizeMB  int    // default 100
	MaxBackups int    // default 10
	MaxAgeDays int    // default 28
}

// NewLogger creates a logger that writes to a file in the log directory.
// If the log file already exists, its present content is preserved,
// and new log entries get appended after the existing ones. Once the
// file grows too large, it gets rotated and compressed.
func NewLogger(logname string, opts Options) *log.Logger {
	return log.New(NewWriter(logname, opts), "", Flags)
}

// NewWriter returns the rotating file writer underneath NewLogger.
// The log directory gets created on the first write.
func NewWriter(logname string, opts Options) io.WriteCloser {
	if opts.Dir == "" {
		opts.Dir = "logs"
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 100
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 10
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = 28
	}
	return &lumberjack.Logger{
		Filename:   filepath.Join(opts.Dir, logname),
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
}

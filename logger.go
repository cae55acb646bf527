// Copyright 2021 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	"io"
	"log"
	"strings"

	"github.com/hashicorp/logutils"
)

// LoggerInterface is used for debugging. Both Print and Printf have the same
// interfaces as Package Log in the std library. The interface is small to give
// you flexibility in how you do your debugging.
//
// For verbose logging to stdout:
//
//	session.Logger = snmpengine.NewLogger(log.New(os.Stdout, "", 0))
type LoggerInterface interface {
	Print(v ...any)
	Printf(format string, v ...any)
}

// Logger wraps a LoggerInterface. The zero value discards everything.
type Logger struct {
	logger LoggerInterface
}

func NewLogger(logger LoggerInterface) Logger {
	return Logger{
		logger: logger,
	}
}

// LogLevels are the levels understood by NewLevelLogger, lowest first.
var LogLevels = []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERROR"}

// NewLevelLogger returns a Logger whose engine trace lines are tagged
// [DEBUG] and filtered through a logutils.LevelFilter. Lines below minLevel
// are dropped before they reach w.
func NewLevelLogger(w io.Writer, minLevel string) Logger {
	filter := &logutils.LevelFilter{
		Levels:   LogLevels,
		MinLevel: logutils.LogLevel(strings.ToUpper(minLevel)),
		Writer:   w,
	}
	return NewLogger(log.New(filter, "[DEBUG] ", log.LstdFlags|log.Lmicroseconds))
}

// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"sre.dev/sre/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages are
// consumed by the operator of srectl and may be machine parsed.
var ErrorLogger io.Writer

// Infof writes message to log and stdout.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

// errorf logs error to the log and to the error log.
func errorf(format string, args ...any) {
	log.Warningf(format, args...)

	// Also log to the error log, if one was set.
	if ErrorLogger != nil {
		logToErrorLogger(format, args...)
	}

	// Also print to stderr unless logging is already going there.
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

func logToErrorLogger(format string, args ...any) {
	j := struct {
		Msg   string    `json:"msg"`
		Level string    `json:"level"`
		Time  time.Time `json:"time"`
	}{
		Msg:   fmt.Sprintf(format, args...),
		Level: "error",
		Time:  time.Now(),
	}
	b, err := json.Marshal(j)
	if err != nil {
		panic(err)
	}
	if _, err := ErrorLogger.Write(append(b, '\n')); err != nil {
		log.Warningf("writing to error log: %v", err)
	}
}

// Errorf logs an error to the log and stderr, and returns ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	errorf(format, args...)
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	errorf(format, args...)
	// Return an error that is unlikely to be used by a checked command.
	os.Exit(128)
}

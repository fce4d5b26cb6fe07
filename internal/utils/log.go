// Package utils
package utils

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

var (
	mu     sync.Mutex
	logger *log.Logger
	out    io.Writer = os.Stderr
	file   *os.File
)

const prefix = "Simple OMS: "

func GetLogger() *log.Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = log.New(out, prefix, log.LstdFlags)
	}
	return logger
}

// SetLogFile redirects the process logger to path, appending. An empty
// path logs to stderr.
func SetLogFile(path string) error {
	mu.Lock()
	defer mu.Unlock()

	var w io.Writer = os.Stderr
	var f *os.File
	if path != "" {
		var err error
		f, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", path, err)
		}
		w = f
	}
	if file != nil {
		file.Close()
	}
	file = f
	out = w
	if logger == nil {
		logger = log.New(out, prefix, log.LstdFlags)
	} else {
		logger.SetOutput(out)
	}
	return nil
}

// SetOutput redirects the process logger to w. Tests use it to silence
// or capture logs.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	if logger == nil {
		logger = log.New(out, prefix, log.LstdFlags)
	} else {
		logger.SetOutput(out)
	}
}

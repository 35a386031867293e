// Package main is the hypernote command: it runs the live-query engine as a
// service, issues one-off correlated calls and renders documents.
package main

import (
	"fmt"
	"os"
	"runtime"
)

// Build information
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "hypernote"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

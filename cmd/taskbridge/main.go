// Package main provides the taskbridge binary entry point.
// Taskbridge moves external tasks from a workflow engine onto per-system
// broker queues and reports handler results back to the engine.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/c360studio/taskbridge/commands"
)

const Version = "0.1.0"

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := commands.NewRoot(Version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

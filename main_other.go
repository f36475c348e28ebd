//go:build !linux

package main

import (
	"os"
	"runtime"

	"golang.design/x/hotkey/mainthread"
)

func init() {
	runtime.LockOSThread()
}

func main() {
	// The global hotkey needs the main thread on macOS.
	code := 0
	mainthread.Init(func() { code = run() })
	os.Exit(code)
}

package main

import "runtime"

func init() {
	// Lock the main goroutine to the main OS thread.
	// This is required on macOS for OpenCV's highgui (the --preview window).
	runtime.LockOSThread()
}

func main() {
	Execute()
}

package ui

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

const (
	keyEsc   = 27
	keySpace = 32
	keyTab   = 9
)

// View is one image shown in the preview
type View struct {
	Label string
	Image gocv.Mat
}

// Window manages the preview display
type Window struct {
	window *gocv.Window
	name   string
}

// NewWindow creates a new preview window
func NewWindow(name string) *Window {
	window := gocv.NewWindow(name)
	// Force window to appear on macOS
	window.ResizeWindow(1280, 720)
	window.MoveWindow(100, 100)
	return &Window{
		window: window,
		name:   name,
	}
}

// Show displays a view with its label and position drawn in the corner
func (w *Window) Show(v View, index, total int) {
	frame := v.Image.Clone()
	defer frame.Close()

	text := fmt.Sprintf("%s (%d/%d)  space: next  q: quit", v.Label, index+1, total)
	gocv.PutText(&frame, text, image.Pt(10, 30),
		gocv.FontHersheyPlain, 1.5, color.RGBA{R: 0, G: 255, B: 0, A: 255}, 2)

	w.window.IMShow(frame)
}

// Browse shows views one at a time until the user quits
func (w *Window) Browse(views ...View) {
	if len(views) == 0 {
		return
	}
	current := 0
	for {
		w.Show(views[current], current, len(views))
		next, quit := step(current, len(views), w.WaitKey(0))
		if quit {
			return
		}
		current = next
	}
}

// step maps a key press to the next view index
func step(current, total, key int) (next int, quit bool) {
	switch key {
	case 'q', 'Q', keyEsc:
		return current, true
	case keySpace, keyTab, 'n':
		return (current + 1) % total, false
	case 'p':
		return (current - 1 + total) % total, false
	case -1:
		// window closed or no key
		return current, true
	default:
		return current, false
	}
}

// WaitKey waits for key press, returns key code or -1
func (w *Window) WaitKey(delayMs int) int {
	return w.window.WaitKey(delayMs)
}

// Close closes the window
func (w *Window) Close() error {
	if w.window != nil {
		return w.window.Close()
	}
	return nil
}

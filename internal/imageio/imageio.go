// Package imageio moves pictures between encoded files, Go images and the
// BGR gocv Mats the engine works on.
package imageio

import (
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"
)

// Decode reads an image and applies its EXIF orientation
func Decode(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// Load opens an image file and applies its EXIF orientation
func Load(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return img, nil
}

// FitLongest scales img so its longest side is exactly longest pixels,
// keeping the aspect ratio. Small images are scaled up.
func FitLongest(img image.Image, longest int) image.Image {
	b := img.Bounds()
	side := max(b.Dx(), b.Dy())
	if longest <= 0 || side == 0 || side == longest {
		return img
	}
	scale := float64(longest) / float64(side)
	w := max(1, int(float64(b.Dx())*scale))
	h := max(1, int(float64(b.Dy())*scale))
	return imaging.Resize(img, w, h, imaging.Lanczos)
}

// Resize scales img to exactly size with a Lanczos filter
func Resize(img image.Image, size image.Point) image.Image {
	if img.Bounds().Size() == size {
		return img
	}
	return imaging.Resize(img, size.X, size.Y, imaging.Lanczos)
}

// ToMat converts img into an 8-bit BGR Mat
func ToMat(img image.Image) (gocv.Mat, error) {
	m, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to convert image: %w", err)
	}
	if m.Empty() {
		m.Close()
		return gocv.NewMat(), fmt.Errorf("failed to convert image: empty result")
	}
	return m, nil
}

// FromMat converts a BGR Mat back into a Go image
func FromMat(m gocv.Mat) (image.Image, error) {
	img, err := m.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to convert mat: %w", err)
	}
	return img, nil
}

// Restore converts m back into a Go image of the given size
func Restore(m gocv.Mat, size image.Point) (image.Image, error) {
	img, err := FromMat(m)
	if err != nil {
		return nil, err
	}
	return Resize(img, size), nil
}

// EncodeJPEG writes img as JPEG
func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	if err := imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return nil
}

// SaveJPEG writes img as a JPEG file
func SaveJPEG(path string, img image.Image, quality int) error {
	if err := imaging.Save(img, path, imaging.JPEGQuality(quality)); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

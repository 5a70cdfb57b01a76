package main

import (
	"image"
	"image/color"
	"math"
	"os"

	"golang.org/x/image/bmp"

	"github.com/gekko3d/rtas/rt/swrt"
)

// tonemap maps the float frame to 8-bit sRGB-ish output with a Reinhard curve.
func tonemap(t *swrt.Target, exposure float64) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, t.Width, t.Height))
	ch := func(v float32) uint8 {
		x := float64(v) * exposure
		if x <= 0 {
			return 0
		}
		x = math.Pow(x/(1+x), 1/2.2)
		return uint8(math.Min(255, x*255+0.5))
	}
	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			c := t.At(x, y)
			img.SetRGBA(x, y, color.RGBA{R: ch(c[0]), G: ch(c[1]), B: ch(c[2]), A: 255})
		}
	}
	return img
}

func writeBMP(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := bmp.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

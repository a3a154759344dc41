package cover

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"

	_ "image/jpeg"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Canvas dimensions of a composed cover
const (
	coverWidth  = 1024
	coverHeight = 1536
)

// composeTypography scales the artwork onto the cover canvas and overlays the
// title band. Returns the finished cover as PNG bytes.
func composeTypography(artwork []byte, title, caption string) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(artwork))
	if err != nil {
		return nil, fmt.Errorf("failed to decode artwork: %w", err)
	}

	canvas := image.NewRGBA(image.Rect(0, 0, coverWidth, coverHeight))
	xdraw.ApproxBiLinear.Scale(canvas, canvas.Bounds(), src, src.Bounds(), xdraw.Over, nil)

	// Darkened band behind the typography so the title stays legible on any
	// artwork
	bandTop := coverHeight / 12
	bandBottom := coverHeight / 4
	shade := color.RGBA{0, 0, 0, 140}
	for y := bandTop; y < bandBottom; y++ {
		for x := 0; x < coverWidth; x++ {
			canvas.Set(x, y, blend(canvas.RGBAAt(x, y), shade))
		}
	}

	face := basicfont.Face7x13
	drawCentered(canvas, face, strings.ToUpper(title), bandTop+(bandBottom-bandTop)/2, color.White)
	if caption != "" {
		drawCentered(canvas, face, caption, bandBottom-face.Height, color.RGBA{220, 220, 220, 255})
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("failed to encode cover: %w", err)
	}
	return buf.Bytes(), nil
}

func blend(base color.RGBA, over color.RGBA) color.RGBA {
	a := uint32(over.A)
	inv := 255 - a
	return color.RGBA{
		R: uint8((uint32(over.R)*a + uint32(base.R)*inv) / 255),
		G: uint8((uint32(over.G)*a + uint32(base.G)*inv) / 255),
		B: uint8((uint32(over.B)*a + uint32(base.B)*inv) / 255),
		A: 255,
	}
}

func drawCentered(dst *image.RGBA, face font.Face, text string, y int, col color.Color) {
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(col),
		Face: face,
	}
	width := d.MeasureString(text)
	x := (fixed.I(coverWidth) - width) / 2
	if x < 0 {
		x = fixed.I(8)
	}
	d.Dot = fixed.Point26_6{X: x, Y: fixed.I(y)}
	d.DrawString(text)
}

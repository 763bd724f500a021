package overlay

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"math"

	"github.com/adscope/adscope/record"
)

// Raster is a captured source image together with the CSS viewport it was
// taken from. Raster pixel dimensions are generally not equal to viewport
// dimensions (device pixel ratio, zoom), which is why cropping scales.
type Raster struct {
	// Data is the encoded source image (PNG or JPEG, as produced by the
	// capture strategy).
	Data []byte
	// Width and Height are the raster pixel dimensions.
	Width, Height int
	// ViewportWidth and ViewportHeight are the CSS pixel dimensions the
	// selection coordinates are expressed in.
	ViewportWidth, ViewportHeight int
}

// CropRect maps a CSS-pixel selection onto raster pixels, scaling origin and
// size independently per axis by rasterDim/viewportDim.
func CropRect(r *Raster, sel record.Selection) image.Rectangle {
	scaleX := float64(r.Width) / float64(r.ViewportWidth)
	scaleY := float64(r.Height) / float64(r.ViewportHeight)

	x := int(math.Round(float64(sel.Left) * scaleX))
	y := int(math.Round(float64(sel.Top) * scaleY))
	w := int(math.Round(float64(sel.Width) * scaleX))
	h := int(math.Round(float64(sel.Height) * scaleY))

	rect := image.Rect(x, y, x+w, y+h)
	return rect.Intersect(image.Rect(0, 0, r.Width, r.Height))
}

// Crop cuts the selection out of the raster and returns it as a base64 data
// URL in the requested format, plus the resulting dimensions.
func Crop(r *Raster, sel record.Selection, format string) (string, record.Dimensions, error) {
	if r == nil || len(r.Data) == 0 {
		return "", record.Dimensions{}, fmt.Errorf("overlay: no raster to crop")
	}
	if r.ViewportWidth <= 0 || r.ViewportHeight <= 0 {
		return "", record.Dimensions{}, fmt.Errorf("overlay: invalid viewport %dx%d",
			r.ViewportWidth, r.ViewportHeight)
	}

	src, _, err := image.Decode(bytes.NewReader(r.Data))
	if err != nil {
		return "", record.Dimensions{}, fmt.Errorf("overlay: decode raster: %w", err)
	}

	rect := CropRect(r, sel)
	if rect.Empty() {
		return "", record.Dimensions{}, fmt.Errorf("overlay: selection maps outside raster")
	}

	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), src, rect.Min, draw.Src)

	var buf bytes.Buffer
	var mime string
	switch format {
	case record.FormatJPEG:
		mime = "image/jpeg"
		err = jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 90})
	default:
		mime = "image/png"
		err = png.Encode(&buf, dst)
	}
	if err != nil {
		return "", record.Dimensions{}, fmt.Errorf("overlay: encode crop: %w", err)
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s", mime,
		base64.StdEncoding.EncodeToString(buf.Bytes()))

	dims := record.Dimensions{
		Width:          rect.Dx(),
		Height:         rect.Dy(),
		OriginalWidth:  r.Width,
		OriginalHeight: r.Height,
	}
	return dataURL, dims, nil
}

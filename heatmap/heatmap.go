// Package heatmap renders coverage surfaces into raster images. Each point is
// painted as a disc in the colour of its weight; nothing is interpolated
// between points.
package heatmap

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/hb9tf/meshsurvey/coverage"
	"github.com/hb9tf/meshsurvey/survey"
)

var (
	// Colors defining the gradient in the heatmap. The higher the index, the warmer.
	colors = []color.RGBA{
		{0, 0, 255, 255},   // blue
		{0, 255, 255, 255}, // cyan
		{0, 255, 0, 255},   // green
		{255, 255, 0, 255}, // yellow
		{255, 0, 0, 255},   // red
	}

	gridColor           = color.RGBA{0, 0, 0, 255}       // black
	gridBackgroundColor = color.RGBA{255, 255, 255, 255} // white
)

const (
	gridMarginTop    = 20  // pixels
	gridMarginLeft   = 80  // pixels
	gridMarginBottom = 40  // pixels
	gridTickLen      = 10  // pixel
	gridMinStepX     = 100 // pixels
	gridMinStepY     = 40  // pixels
	legendHeight     = 10  // pixels
	// spanPadding widens a degenerate bounding box, e.g. a single point.
	spanPadding = 0.001 // degrees
)

// GetColor determines the colour of a weight in 0..1 along the gradient.
// http://www.andrewnoske.com/wiki/Code_-_heatmaps_and_color_gradients
func GetColor(weight float64) color.RGBA {
	switch {
	case math.IsNaN(weight) || weight <= 0:
		return colors[0]
	case weight >= 1:
		return colors[len(colors)-1]
	}
	pos := weight * float64(len(colors)-1)
	idx := int(pos)
	fract := pos - float64(idx)
	prevC, nextC := colors[idx], colors[idx+1]
	mix := func(a, b uint8) uint8 {
		return uint8(math.Round(float64(a) + (float64(b)-float64(a))*fract))
	}
	return color.RGBA{
		mix(prevC.R, nextC.R),
		mix(prevC.G, nextC.G),
		mix(prevC.B, nextC.B),
		255,
	}
}

// Bounds is the geographic window of a rendered image.
type Bounds struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// BoundsOf returns the smallest window containing all points.
func BoundsOf(points []survey.Point) Bounds {
	if len(points) == 0 {
		return Bounds{MinLat: -spanPadding, MaxLat: spanPadding, MinLon: -spanPadding, MaxLon: spanPadding}
	}
	b := Bounds{
		MinLat: math.Inf(1), MaxLat: math.Inf(-1),
		MinLon: math.Inf(1), MaxLon: math.Inf(-1),
	}
	for _, p := range points {
		b.MinLat = math.Min(b.MinLat, p.Lat)
		b.MaxLat = math.Max(b.MaxLat, p.Lat)
		b.MinLon = math.Min(b.MinLon, p.Lon)
		b.MaxLon = math.Max(b.MaxLon, p.Lon)
	}
	if b.MaxLat-b.MinLat < spanPadding {
		b.MinLat -= spanPadding
		b.MaxLat += spanPadding
	}
	if b.MaxLon-b.MinLon < spanPadding {
		b.MinLon -= spanPadding
		b.MaxLon += spanPadding
	}
	return b
}

// Project maps a coordinate onto the pixel grid of an image of the given size
// using a plain equirectangular projection.
func (b Bounds) Project(lat, lon float64, width, height int) image.Point {
	x := (lon - b.MinLon) / (b.MaxLon - b.MinLon) * float64(width-1)
	y := (b.MaxLat - lat) / (b.MaxLat - b.MinLat) * float64(height-1)
	return image.Point{int(math.Round(x)), int(math.Round(y))}
}

type ImageOptions struct {
	Height int
	Width  int
	// Radius of the disc drawn per point.
	Radius int

	AddGrid   bool
	AddLegend bool
}

func (o *ImageOptions) Validate() error {
	if o.Width <= 0 || o.Height <= 0 {
		return fmt.Errorf("image size must be positive, got %dx%d", o.Width, o.Height)
	}
	if o.Radius < 0 {
		return fmt.Errorf("radius must not be negative, got %d", o.Radius)
	}
	return nil
}

type RenderRequest struct {
	Points []survey.Point
	Range  coverage.Range
	Image  *ImageOptions
}

type RenderMetadata struct {
	Bounds      Bounds
	Points      int
	DegPerPixel float64
}

type RenderResult struct {
	Image    image.Image
	Metadata *RenderMetadata
}

func Render(req *RenderRequest) (*RenderResult, error) {
	if req.Image == nil {
		return nil, fmt.Errorf("no image options")
	}
	if err := req.Image.Validate(); err != nil {
		return nil, err
	}

	bounds := BoundsOf(req.Points)
	canvas := image.NewRGBA(image.Rect(0, 0, req.Image.Width, req.Image.Height))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{gridBackgroundColor}, image.Point{}, draw.Src)

	// Points are painted in order so later measurements end up on top.
	for _, p := range req.Points {
		center := bounds.Project(p.Lat, p.Lon, req.Image.Width, req.Image.Height)
		drawDisc(canvas, center, req.Image.Radius, GetColor(p.Weight))
	}

	img := canvas
	if req.Image.AddGrid {
		img = DrawGrid(img, bounds)
	}
	if req.Image.AddLegend {
		img = DrawLegend(img, req.Range)
	}

	return &RenderResult{
		Image: img,
		Metadata: &RenderMetadata{
			Bounds:      bounds,
			Points:      len(req.Points),
			DegPerPixel: (bounds.MaxLon - bounds.MinLon) / float64(req.Image.Width),
		},
	}, nil
}

func drawDisc(canvas *image.RGBA, center image.Point, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy > radius*radius {
				continue
			}
			p := image.Point{center.X + dx, center.Y + dy}
			if p.In(canvas.Bounds()) {
				canvas.SetRGBA(p.X, p.Y, c)
			}
		}
	}
}

func drawTick(canvas *image.RGBA, start image.Point, length int, horizontal bool) {
	for i := 0; i <= length; i++ {
		if horizontal {
			canvas.SetRGBA(start.X+i, start.Y, gridColor)
		} else {
			canvas.SetRGBA(start.X, start.Y+i, gridColor)
		}
	}
}

func drawLabel(canvas *image.RGBA, x, y int, label string) {
	d := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(gridColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(label)
}

func findGridStepSize(step int, horizontal bool) int {
	gridMinStep := gridMinStepY
	if horizontal {
		gridMinStep = gridMinStepX
	}
	for step > gridMinStep {
		n := step / 2
		if n < gridMinStep {
			return step
		}
		step = n
	}
	return step
}

// enlarge copies source onto a white canvas with the given margins.
func enlarge(source *image.RGBA, top, left, bottom int) *image.RGBA {
	sb := source.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, sb.Dx()+left, sb.Dy()+top+bottom))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{gridBackgroundColor}, image.Point{}, draw.Src)
	r := canvas.Bounds()
	r.Min.X += left
	r.Min.Y += top
	draw.Draw(canvas, r, source, sb.Min, draw.Src)
	return canvas
}

// DrawGrid adds latitude and longitude ticks around source.
func DrawGrid(source *image.RGBA, bounds Bounds) *image.RGBA {
	canvas := enlarge(source, gridMarginTop, gridMarginLeft, 0)
	width, height := source.Bounds().Dx(), source.Bounds().Dy()

	// Longitude along the top.
	for i := 0; i < width; i += findGridStepSize(width, true) {
		drawTick(canvas, image.Point{gridMarginLeft + i, gridMarginTop - gridTickLen}, gridTickLen, false)
		lon := bounds.MinLon + float64(i)*(bounds.MaxLon-bounds.MinLon)/float64(max(width-1, 1))
		drawLabel(canvas, gridMarginLeft+i+5, gridMarginTop-2, fmt.Sprintf("%.4f", lon))
	}

	// Latitude down the left side.
	for i := 0; i < height; i += findGridStepSize(height, false) {
		drawTick(canvas, image.Point{gridMarginLeft - gridTickLen, gridMarginTop + i}, gridTickLen, true)
		lat := bounds.MaxLat - float64(i)*(bounds.MaxLat-bounds.MinLat)/float64(max(height-1, 1))
		drawLabel(canvas, 5, gridMarginTop+i+13, fmt.Sprintf("%.4f", lat))
	}

	return canvas
}

// DrawLegend appends a colour bar labelled with the RSSI range.
func DrawLegend(source *image.RGBA, rng coverage.Range) *image.RGBA {
	canvas := enlarge(source, 0, 0, gridMarginBottom)
	sb := source.Bounds()
	top := sb.Dy() + 5
	width := sb.Dx()
	for x := 0; x < width; x++ {
		c := GetColor(float64(x) / float64(max(width-1, 1)))
		for y := top; y < top+legendHeight; y++ {
			canvas.SetRGBA(x, y, c)
		}
	}
	drawLabel(canvas, 2, top+legendHeight+14, fmt.Sprintf("%d dBm", rng.MinRSSI))
	maxLabel := fmt.Sprintf("%d dBm", rng.MaxRSSI)
	drawLabel(canvas, width-len(maxLabel)*basicfont.Face7x13.Advance-2, top+legendHeight+14, maxLabel)
	return canvas
}

// Encode writes img in the format implied by name, defaulting to PNG.
func Encode(out io.Writer, img image.Image, name string) error {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		return jpeg.Encode(out, img, &jpeg.Options{Quality: jpeg.DefaultQuality})
	default:
		return png.Encode(out, img)
	}
}

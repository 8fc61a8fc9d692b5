package heatmap

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hb9tf/meshsurvey/coverage"
	"github.com/hb9tf/meshsurvey/survey"
)

func TestGetColor(t *testing.T) {
	tests := []struct {
		weight float64
		want   color.RGBA
	}{
		{weight: -1, want: color.RGBA{0, 0, 255, 255}},
		{weight: 0, want: color.RGBA{0, 0, 255, 255}},
		{weight: 0.25, want: color.RGBA{0, 255, 255, 255}},
		{weight: 0.5, want: color.RGBA{0, 255, 0, 255}},
		{weight: 0.625, want: color.RGBA{128, 255, 0, 255}},
		{weight: 1, want: color.RGBA{255, 0, 0, 255}},
		{weight: 3, want: color.RGBA{255, 0, 0, 255}},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, GetColor(tc.weight), "weight %v", tc.weight)
	}
}

func TestBoundsOf(t *testing.T) {
	b := BoundsOf([]survey.Point{{Lat: 49.28, Lon: -123.12}, {Lat: 49.30, Lon: -123.10}})
	assert.Equal(t, 49.28, b.MinLat)
	assert.Equal(t, 49.30, b.MaxLat)
	assert.Equal(t, -123.12, b.MinLon)
	assert.Equal(t, -123.10, b.MaxLon)

	single := BoundsOf([]survey.Point{{Lat: 49.283, Lon: -123.121}})
	assert.Less(t, single.MinLat, 49.283)
	assert.Greater(t, single.MaxLat, 49.283)
	assert.Less(t, single.MinLon, -123.121)
	assert.Greater(t, single.MaxLon, -123.121)
}

func TestProject(t *testing.T) {
	b := Bounds{MinLat: 0, MaxLat: 1, MinLon: 0, MaxLon: 1}
	assert.Equal(t, image.Point{0, 99}, b.Project(0, 0, 100, 100))
	assert.Equal(t, image.Point{99, 0}, b.Project(1, 1, 100, 100))
	assert.Equal(t, image.Point{50, 50}, b.Project(0.5, 0.5, 101, 101))
}

func TestRender(t *testing.T) {
	points := []survey.Point{
		{Lat: 0, Lon: 0, Weight: 0},
		{Lat: 1, Lon: 1, Weight: 1},
	}
	res, err := Render(&RenderRequest{
		Points: points,
		Range:  coverage.DefaultRange,
		Image:  &ImageOptions{Width: 100, Height: 100, Radius: 2},
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Metadata.Points)

	img := res.Image.(*image.RGBA)
	assert.Equal(t, colors[0], img.RGBAAt(0, 99))
	assert.Equal(t, colors[len(colors)-1], img.RGBAAt(99, 0))
	// Nothing is interpolated between the two points.
	assert.Equal(t, gridBackgroundColor, img.RGBAAt(50, 50))
}

func TestRenderDecorations(t *testing.T) {
	res, err := Render(&RenderRequest{
		Points: []survey.Point{{Lat: 49.283, Lon: -123.121, Weight: 0.525}},
		Range:  coverage.DefaultRange,
		Image:  &ImageOptions{Width: 200, Height: 100, Radius: 3, AddGrid: true, AddLegend: true},
	})
	require.NoError(t, err)
	b := res.Image.Bounds()
	assert.Equal(t, 200+gridMarginLeft, b.Dx())
	assert.Equal(t, 100+gridMarginTop+gridMarginBottom, b.Dy())
}

func TestRenderRejectsBadOptions(t *testing.T) {
	_, err := Render(&RenderRequest{Image: &ImageOptions{Width: 0, Height: 10}})
	assert.Error(t, err)
	_, err = Render(&RenderRequest{Image: &ImageOptions{Width: 10, Height: 10, Radius: -1}})
	assert.Error(t, err)
	_, err = Render(&RenderRequest{})
	assert.Error(t, err)
}

func TestEncode(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	buf := &bytes.Buffer{}
	require.NoError(t, Encode(buf, img, "surface.png"))
	_, err := png.Decode(buf)
	assert.NoError(t, err)

	buf.Reset()
	require.NoError(t, Encode(buf, img, "surface.JPG"))
	assert.Equal(t, []byte{0xff, 0xd8}, buf.Bytes()[:2])
}

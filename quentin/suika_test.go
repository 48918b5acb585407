package quentin

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestRGBToHSV(t *testing.T) {
	tests := []struct {
		name    string
		c       color.Color
		h, s, v uint8
	}{
		{"black", color.RGBA{A: 255}, 0, 0, 0},
		{"white", color.RGBA{R: 255, G: 255, B: 255, A: 255}, 0, 0, 255},
		{"red", color.RGBA{R: 255, A: 255}, 0, 255, 255},
		{"green", color.RGBA{G: 255, A: 255}, 60, 255, 255},
		{"blue", color.RGBA{B: 255, A: 255}, 120, 255, 255},
		{"dim green", color.RGBA{G: 200, A: 255}, 60, 255, 200},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				h, s, v := rgbToHSV(tc.c)
				assert.Equal(t, tc.h, h, "hue")
				assert.Equal(t, tc.s, s, "saturation")
				assert.Equal(t, tc.v, v, "value")
			},
		)
	}
}

func TestSuikaExtractor(t *testing.T) {
	e := NewSuikaExtractor()
	assert.Equal(t, GameSuika, e.Game())
	assert.Equal(t, SourceImage, e.Source())

	t.Run(
		"watermelon", func(t *testing.T) {
			points, ok := e.Extract(
				Submission{},
				ExtractionInput{Image: solidImage(50, 50, color.RGBA{G: 200, A: 255})},
			)
			require.True(t, ok)
			assert.Equal(t, 20, points)
		},
	)

	t.Run(
		"apple", func(t *testing.T) {
			points, ok := e.Extract(
				Submission{},
				ExtractionInput{Image: solidImage(50, 50, color.RGBA{R: 220, G: 20, B: 20, A: 255})},
			)
			require.True(t, ok)
			assert.Equal(t, 3, points)
		},
	)

	t.Run(
		"dominant band wins", func(t *testing.T) {
			img := solidImage(100, 100, color.RGBA{R: 220, G: 20, B: 20, A: 255})
			for y := 0; y < 30; y++ {
				for x := 0; x < 100; x++ {
					img.Set(x, y, color.RGBA{G: 200, A: 255})
				}
			}
			points, ok := e.Extract(Submission{}, ExtractionInput{Image: img})
			require.True(t, ok)
			assert.Equal(t, 3, points)
		},
	)

	t.Run(
		"no fruit", func(t *testing.T) {
			points, ok := e.Extract(
				Submission{},
				ExtractionInput{Image: solidImage(50, 50, color.RGBA{R: 128, G: 128, B: 128, A: 255})},
			)
			require.True(t, ok)
			assert.Equal(t, e.DefaultPoints, points)
		},
	)

	t.Run(
		"no image", func(t *testing.T) {
			_, ok := e.Extract(Submission{}, ExtractionInput{})
			assert.False(t, ok)
		},
	)

	t.Run(
		"large image is sampled", func(t *testing.T) {
			points, ok := e.Extract(
				Submission{},
				ExtractionInput{Image: solidImage(800, 600, color.RGBA{G: 200, A: 255})},
			)
			require.True(t, ok)
			assert.Equal(t, 20, points)
		},
	)
}

func TestHTTPImageFetcher(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solidImage(4, 4, color.RGBA{G: 200, A: 255})))

	mux := http.NewServeMux()
	mux.HandleFunc(
		"/ok.png", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(buf.Bytes())
		},
	)
	mux.HandleFunc(
		"/garbage.png", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("not an image"))
		},
	)
	huge := withPNGDimensions(t, buf.Bytes(), 50000, 50000)
	mux.HandleFunc(
		"/huge.png", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write(huge)
		},
	)
	mux.HandleFunc(
		"/unavailable.png", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	f := newHTTPImageFetcher(srv.Client())
	ctx := context.Background()

	img, err := f.FetchImage(ctx, srv.URL+"/ok.png")
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())

	_, err = f.FetchImage(ctx, srv.URL+"/garbage.png")
	assert.ErrorIs(t, err, ErrExtractionMismatch)

	_, err = f.FetchImage(ctx, srv.URL+"/missing.png")
	assert.ErrorIs(t, err, ErrExtractionMismatch)

	// the header is checked before any pixels are allocated
	_, err = f.FetchImage(ctx, srv.URL+"/huge.png")
	assert.ErrorIs(t, err, ErrExtractionMismatch)
	assert.ErrorContains(t, err, "50000x50000")

	// server errors may not recur, so they aren't a mismatch
	_, err = f.FetchImage(ctx, srv.URL+"/unavailable.png")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrExtractionMismatch)
}

// withPNGDimensions rewrites the width and height in a PNG's IHDR chunk
func withPNGDimensions(t testing.TB, data []byte, width, height uint32) []byte {
	t.Helper()
	out := bytes.Clone(data)
	require.Equal(t, "IHDR", string(out[12:16]))
	binary.BigEndian.PutUint32(out[16:20], width)
	binary.BigEndian.PutUint32(out[20:24], height)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}

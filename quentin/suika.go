package quentin

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"net/http"
)

// maxImageBytes caps the size of downloaded attachments
const maxImageBytes = 20 << 20

// maxImagePixels caps the dimensions of an attachment, checked before
// it's decoded
const maxImagePixels = 40_000_000

// suikaMaxSamples is the approximate number of pixels sampled per image
const suikaMaxSamples = 40_000

// SuikaBand is an HSV range identifying a fruit, on OpenCV's scale
// (hue 0-179, saturation and value 0-255). Ranges are inclusive.
type SuikaBand struct {
	Fruit  string `json:"fruit" yaml:"fruit"`
	Points int    `json:"points" yaml:"points"`
	HueMin uint8  `json:"hue_min" yaml:"hue_min"`
	HueMax uint8  `json:"hue_max" yaml:"hue_max"`
	SatMin uint8  `json:"sat_min" yaml:"sat_min"`
	SatMax uint8  `json:"sat_max" yaml:"sat_max"`
	ValMin uint8  `json:"val_min" yaml:"val_min"`
	ValMax uint8  `json:"val_max" yaml:"val_max"`
}

func (b SuikaBand) contains(h, s, v uint8) bool {
	return h >= b.HueMin && h <= b.HueMax &&
		s >= b.SatMin && s <= b.SatMax &&
		v >= b.ValMin && v <= b.ValMax
}

// DefaultSuikaBands were sampled from Suika Game screenshots
var DefaultSuikaBands = []SuikaBand{
	{Fruit: "watermelon", Points: 20, HueMin: 50, HueMax: 85, SatMin: 120, SatMax: 255, ValMin: 50, ValMax: 255},
	{Fruit: "melon", Points: 15, HueMin: 30, HueMax: 49, SatMin: 80, SatMax: 255, ValMin: 120, ValMax: 255},
	{Fruit: "pineapple", Points: 10, HueMin: 20, HueMax: 29, SatMin: 120, SatMax: 255, ValMin: 150, ValMax: 255},
	{Fruit: "peach", Points: 8, HueMin: 160, HueMax: 179, SatMin: 40, SatMax: 119, ValMin: 150, ValMax: 255},
	{Fruit: "persimmon", Points: 5, HueMin: 9, HueMax: 19, SatMin: 150, SatMax: 255, ValMin: 150, ValMax: 255},
	{Fruit: "apple", Points: 3, HueMin: 0, HueMax: 8, SatMin: 150, SatMax: 255, ValMin: 100, ValMax: 255},
	{Fruit: "grape", Points: 2, HueMin: 125, HueMax: 155, SatMin: 80, SatMax: 255, ValMin: 60, ValMax: 255},
}

// SuikaExtractor scores a Suika Game screenshot by its dominant fruit
// color. A band must cover at least MinFraction of the sampled pixels
// to be considered. Images without a dominant band earn DefaultPoints.
type SuikaExtractor struct {
	Bands         []SuikaBand
	MinFraction   float64
	DefaultPoints int
}

func NewSuikaExtractor() *SuikaExtractor {
	return &SuikaExtractor{
		Bands:         append([]SuikaBand{}, DefaultSuikaBands...),
		MinFraction:   0.02,
		DefaultPoints: 1,
	}
}

func (SuikaExtractor) Game() GameID        { return GameSuika }
func (SuikaExtractor) Source() InputSource { return SourceImage }

func (e SuikaExtractor) Extract(_ Submission, in ExtractionInput) (int, bool) {
	if in.Image == nil {
		return 0, false
	}
	band, ok := e.dominantBand(in.Image)
	if !ok {
		return e.DefaultPoints, true
	}
	return band.Points, true
}

// dominantBand returns the band matching the most sampled pixels
func (e SuikaExtractor) dominantBand(img image.Image) (SuikaBand, bool) {
	bounds := img.Bounds()
	total := bounds.Dx() * bounds.Dy()
	if total == 0 || len(e.Bands) == 0 {
		return SuikaBand{}, false
	}
	stride := int(math.Ceil(math.Sqrt(float64(total) / suikaMaxSamples)))
	if stride < 1 {
		stride = 1
	}

	counts := make([]int, len(e.Bands))
	sampled := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stride {
		for x := bounds.Min.X; x < bounds.Max.X; x += stride {
			sampled++
			h, s, v := rgbToHSV(img.At(x, y))
			for i, b := range e.Bands {
				if b.contains(h, s, v) {
					counts[i]++
					break
				}
			}
		}
	}

	best := -1
	for i, c := range counts {
		if float64(c)/float64(sampled) < e.MinFraction {
			continue
		}
		if best == -1 || c > counts[best] ||
			(c == counts[best] && e.Bands[i].Points > e.Bands[best].Points) {
			best = i
		}
	}
	if best == -1 {
		return SuikaBand{}, false
	}
	return e.Bands[best], true
}

// rgbToHSV converts a color to hue (0-179), saturation and value
// (0-255), matching OpenCV's 8-bit HSV conversion
func rgbToHSV(c color.Color) (h, s, v uint8) {
	r32, g32, b32, _ := c.RGBA()
	r := float64(r32>>8) / 255
	g := float64(g32>>8) / 255
	b := float64(b32>>8) / 255

	maxC := math.Max(r, math.Max(g, b))
	minC := math.Min(r, math.Min(g, b))
	delta := maxC - minC

	var hue float64
	switch {
	case delta == 0:
		hue = 0
	case maxC == r:
		hue = 60 * math.Mod((g-b)/delta, 6)
	case maxC == g:
		hue = 60 * ((b-r)/delta + 2)
	default:
		hue = 60 * ((r-g)/delta + 4)
	}
	if hue < 0 {
		hue += 360
	}

	var sat float64
	if maxC > 0 {
		sat = delta / maxC
	}
	return uint8(math.Round(hue/2)) % 180, uint8(math.Round(sat * 255)), uint8(math.Round(maxC * 255))
}

// ImageFetcher downloads and decodes an image attachment
type ImageFetcher interface {
	FetchImage(ctx context.Context, url string) (image.Image, error)
}

type httpImageFetcher struct {
	client *http.Client
}

func newHTTPImageFetcher(client *http.Client) *httpImageFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpImageFetcher{client: client}
}

func (f *httpImageFetcher) FetchImage(ctx context.Context, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error downloading attachment: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf(
			"%w: error downloading attachment: status %d",
			ErrExtractionMismatch,
			resp.StatusCode,
		)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("error downloading attachment: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("error downloading attachment: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf(
			"%w: attachment is larger than %d bytes",
			ErrExtractionMismatch,
			maxImageBytes,
		)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: error decoding attachment: %w", ErrExtractionMismatch, err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > maxImagePixels {
		return nil, fmt.Errorf(
			"%w: attachment is %dx%d, over %d pixels",
			ErrExtractionMismatch,
			cfg.Width,
			cfg.Height,
			maxImagePixels,
		)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: error decoding attachment: %w", ErrExtractionMismatch, err)
	}
	return img, nil
}

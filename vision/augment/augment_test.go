package augment

import (
	"image"
	"image/color"
	"math"
	"math/rand"
	"testing"
)

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x * 255 / w),
				G: uint8(y * 255 / h),
				B: uint8((x + y) * 255 / (w + h)),
				A: 255,
			})
		}
	}
	return img
}

func testConfig() Config {
	return Config{
		GlobalSize:  32,
		LocalSize:   16,
		GlobalScale: [2]float64{0.4, 1.0},
		LocalScale:  [2]float64{0.05, 0.4},
		LocalCrops:  4,
	}
}

// The pipeline always returns 2 + local_crops views: globals first at the
// global size, locals after at the local size.
func TestCropCountAndSizes(t *testing.T) {
	a := NewPatchAugmenter(testConfig(), rand.New(rand.NewSource(1)))
	img := testImage(64, 64)

	for trial := 0; trial < 5; trial++ {
		crops := a.Crops(img)
		if len(crops) != 6 {
			t.Fatalf("crop count = %d, want 6", len(crops))
		}
		for i, c := range crops {
			wantSize := 32
			if i >= 2 {
				wantSize = 16
			}
			if len(c.Shape) != 3 || c.Shape[0] != 3 || c.Shape[1] != wantSize || c.Shape[2] != wantSize {
				t.Errorf("crop %d shape = %v, want [3 %d %d]", i, c.Shape, wantSize, wantSize)
			}
		}
	}
}

// Every crop is normalized with the same statistics: all values must lie in
// the per-channel range the normalization maps [0,1] onto.
func TestCropsNormalized(t *testing.T) {
	a := NewPatchAugmenter(testConfig(), rand.New(rand.NewSource(2)))
	crops := a.Crops(testImage(48, 48))

	for ci, c := range crops {
		n := c.Shape[1] * c.Shape[2]
		for ch := 0; ch < 3; ch++ {
			lo := (0 - normMean[ch]) / normStd[ch]
			hi := (1 - normMean[ch]) / normStd[ch]
			for _, v := range c.Data[ch*n : (ch+1)*n] {
				if v < lo-1e-4 || v > hi+1e-4 {
					t.Fatalf("crop %d channel %d value %v outside [%v, %v]", ci, ch, v, lo, hi)
				}
			}
		}
	}
}

func TestNonSquareInput(t *testing.T) {
	a := NewPatchAugmenter(testConfig(), rand.New(rand.NewSource(3)))
	crops := a.Crops(testImage(96, 40))
	if len(crops) != 6 {
		t.Fatalf("crop count = %d, want 6", len(crops))
	}
	if crops[0].Shape[1] != 32 {
		t.Errorf("global crop size = %d, want 32", crops[0].Shape[1])
	}
}

func TestZeroLocalCrops(t *testing.T) {
	cfg := testConfig()
	cfg.LocalCrops = 0
	a := NewPatchAugmenter(cfg, rand.New(rand.NewSource(4)))
	if got := len(a.Crops(testImage(64, 64))); got != 2 {
		t.Errorf("crop count = %d, want 2", got)
	}
}

// A uniform image through the deterministic evaluation transform maps each
// channel to one exactly known normalized value.
func TestEvalTransform(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: 128, G: 64, B: 255, A: 255})
		}
	}

	out := EvalTransform(img, 16)
	if len(out.Shape) != 3 || out.Shape[0] != 3 || out.Shape[1] != 16 {
		t.Fatalf("shape = %v, want [3 16 16]", out.Shape)
	}
	want := [3]float32{
		(128.0/255 - normMean[0]) / normStd[0],
		(64.0/255 - normMean[1]) / normStd[1],
		(255.0/255 - normMean[2]) / normStd[2],
	}
	for ch := 0; ch < 3; ch++ {
		for _, v := range out.Data[ch*256 : (ch+1)*256] {
			if math.Abs(float64(v-want[ch])) > 1e-2 {
				t.Fatalf("channel %d value %v, want %v", ch, v, want[ch])
			}
		}
	}
}

func TestRGBHSVRoundTrip(t *testing.T) {
	cases := [][3]float32{
		{0.2, 0.5, 0.8},
		{1, 0, 0},
		{0.3, 0.3, 0.3},
		{0, 1, 0.5},
	}
	for _, c := range cases {
		h, s, v := rgbToHSV(c[0], c[1], c[2])
		r, g, b := hsvToRGB(h, s, v)
		if math.Abs(float64(r-c[0])) > 1e-5 || math.Abs(float64(g-c[1])) > 1e-5 || math.Abs(float64(b-c[2])) > 1e-5 {
			t.Errorf("round trip %v -> (%v %v %v)", c, r, g, b)
		}
	}
}

func TestSolarize(t *testing.T) {
	p := &planes{size: 1}
	p.c[0] = []float32{0.9}
	p.c[1] = []float32{0.3}
	p.c[2] = []float32{0.5}
	solarize(p, 0.5)
	if math.Abs(float64(p.c[0][0])-0.1) > 1e-6 {
		t.Errorf("value above threshold not inverted: %v", p.c[0][0])
	}
	if p.c[1][0] != 0.3 {
		t.Errorf("value below threshold changed: %v", p.c[1][0])
	}
	if math.Abs(float64(p.c[2][0])-0.5) > 1e-6 {
		t.Errorf("value at threshold: %v, want 0.5", p.c[2][0])
	}
}

// Package augment implements the multi-crop augmentation pipeline applied to
// histopathology patches before the student/teacher forward passes: two
// global views and a configurable number of smaller local views, each an
// independently sampled random-resized crop with photometric distortion.
package augment

import (
	"image"
	"math"
	"math/rand"

	"golang.org/x/image/draw"

	"github.com/computationalpathologygroup/dino/tensor"
)

// Normalization constants (ImageNet statistics).
var (
	normMean = [3]float32{0.485, 0.456, 0.406}
	normStd  = [3]float32{0.229, 0.224, 0.225}
)

// Config controls crop geometry. Scale ranges are fractions of the source
// image area.
type Config struct {
	GlobalSize  int // pixels, default 224
	LocalSize   int // pixels, default 96
	GlobalScale [2]float64
	LocalScale  [2]float64
	LocalCrops  int
}

func DefaultConfig() Config {
	return Config{
		GlobalSize:  224,
		LocalSize:   96,
		GlobalScale: [2]float64{0.4, 1.0},
		LocalScale:  [2]float64{0.05, 0.4},
		LocalCrops:  8,
	}
}

// PatchAugmenter produces the ordered multi-crop view list for one image.
// All randomness comes from the injected generator.
type PatchAugmenter struct {
	cfg Config
	rng *rand.Rand
}

func NewPatchAugmenter(cfg Config, rng *rand.Rand) *PatchAugmenter {
	return &PatchAugmenter{cfg: cfg, rng: rng}
}

// CropCount is the number of views per image: two globals plus the locals.
func (a *PatchAugmenter) CropCount() int { return 2 + a.cfg.LocalCrops }

// Crops returns the augmented views in fixed order: global 1, global 2, then
// the local crops. The two globals differ photometrically: the first is
// always blurred, the second is rarely blurred but may be solarized.
func (a *PatchAugmenter) Crops(img image.Image) []*tensor.Tensor {
	out := make([]*tensor.Tensor, 0, a.CropCount())

	g1 := a.geometric(img, a.cfg.GlobalSize, a.cfg.GlobalScale)
	a.photometric(g1)
	a.maybeBlur(g1, 1.0)
	out = append(out, toTensor(g1))

	g2 := a.geometric(img, a.cfg.GlobalSize, a.cfg.GlobalScale)
	a.photometric(g2)
	a.maybeBlur(g2, 0.1)
	if a.rng.Float64() < 0.2 {
		solarize(g2, 0.5)
	}
	out = append(out, toTensor(g2))

	for i := 0; i < a.cfg.LocalCrops; i++ {
		l := a.geometric(img, a.cfg.LocalSize, a.cfg.LocalScale)
		a.photometric(l)
		a.maybeBlur(l, 0.5)
		out = append(out, toTensor(l))
	}
	return out
}

// planes is an in-flight view: three [size*size] channel planes in [0,1].
type planes struct {
	size int
	c    [3][]float32
}

// geometric samples a random-resized crop, resizes it to size x size with
// Catmull-Rom resampling and applies the random horizontal flip.
func (a *PatchAugmenter) geometric(img image.Image, size int, scale [2]float64) *planes {
	rect := a.sampleCropRect(img.Bounds(), scale)
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, rect, draw.Src, nil)

	p := &planes{size: size}
	for ch := range p.c {
		p.c[ch] = make([]float32, size*size)
	}
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			i := dst.PixOffset(x, y)
			idx := y*size + x
			p.c[0][idx] = float32(dst.Pix[i]) / 255
			p.c[1][idx] = float32(dst.Pix[i+1]) / 255
			p.c[2][idx] = float32(dst.Pix[i+2]) / 255
		}
	}
	if a.rng.Float64() < 0.5 {
		hflip(p)
	}
	return p
}

// sampleCropRect draws a crop window whose area is a uniform fraction of the
// source area within the scale range and whose aspect ratio is log-uniform in
// [3/4, 4/3]. After ten failed attempts it falls back to a centered crop.
func (a *PatchAugmenter) sampleCropRect(bounds image.Rectangle, scale [2]float64) image.Rectangle {
	w := bounds.Dx()
	h := bounds.Dy()
	area := float64(w * h)
	logLo, logHi := math.Log(3.0/4.0), math.Log(4.0/3.0)

	for attempt := 0; attempt < 10; attempt++ {
		target := area * (scale[0] + a.rng.Float64()*(scale[1]-scale[0]))
		aspect := math.Exp(logLo + a.rng.Float64()*(logHi-logLo))
		cw := int(math.Round(math.Sqrt(target * aspect)))
		ch := int(math.Round(math.Sqrt(target / aspect)))
		if cw <= 0 || ch <= 0 || cw > w || ch > h {
			continue
		}
		x0 := bounds.Min.X + a.rng.Intn(w-cw+1)
		y0 := bounds.Min.Y + a.rng.Intn(h-ch+1)
		return image.Rect(x0, y0, x0+cw, y0+ch)
	}

	side := w
	if h < side {
		side = h
	}
	x0 := bounds.Min.X + (w-side)/2
	y0 := bounds.Min.Y + (h-side)/2
	return image.Rect(x0, y0, x0+side, y0+side)
}

// photometric applies color jitter (p=0.8) and random grayscale (p=0.2).
func (a *PatchAugmenter) photometric(p *planes) {
	if a.rng.Float64() < 0.8 {
		a.colorJitter(p)
	}
	if a.rng.Float64() < 0.2 {
		grayscale(p)
	}
}

// colorJitter perturbs brightness (0.4), contrast (0.4), saturation (0.2)
// and hue (0.1), in a random order.
func (a *PatchAugmenter) colorJitter(p *planes) {
	ops := a.rng.Perm(4)
	for _, op := range ops {
		switch op {
		case 0:
			adjustBrightness(p, jitterFactor(a.rng, 0.4))
		case 1:
			adjustContrast(p, jitterFactor(a.rng, 0.4))
		case 2:
			adjustSaturation(p, jitterFactor(a.rng, 0.2))
		case 3:
			adjustHue(p, (a.rng.Float64()*2-1)*0.1)
		}
	}
}

func jitterFactor(rng *rand.Rand, amount float64) float32 {
	lo := math.Max(0, 1-amount)
	hi := 1 + amount
	return float32(lo + rng.Float64()*(hi-lo))
}

// maybeBlur applies a Gaussian blur with probability p, radius U(0.1, 2.0).
func (a *PatchAugmenter) maybeBlur(pl *planes, p float64) {
	if a.rng.Float64() >= p {
		return
	}
	radius := 0.1 + a.rng.Float64()*1.9
	gaussianBlur(pl, radius)
}

func hflip(p *planes) {
	n := p.size
	for ch := range p.c {
		plane := p.c[ch]
		for y := 0; y < n; y++ {
			row := plane[y*n : (y+1)*n]
			for x := 0; x < n/2; x++ {
				row[x], row[n-1-x] = row[n-1-x], row[x]
			}
		}
	}
}

func luma(r, g, b float32) float32 {
	return 0.299*r + 0.587*g + 0.114*b
}

func grayscale(p *planes) {
	for i := range p.c[0] {
		l := luma(p.c[0][i], p.c[1][i], p.c[2][i])
		p.c[0][i], p.c[1][i], p.c[2][i] = l, l, l
	}
}

func adjustBrightness(p *planes, factor float32) {
	for ch := range p.c {
		for i, v := range p.c[ch] {
			p.c[ch][i] = clamp01(v * factor)
		}
	}
}

func adjustContrast(p *planes, factor float32) {
	var mean float64
	for i := range p.c[0] {
		mean += float64(luma(p.c[0][i], p.c[1][i], p.c[2][i]))
	}
	m := float32(mean / float64(len(p.c[0])))
	for ch := range p.c {
		for i, v := range p.c[ch] {
			p.c[ch][i] = clamp01(m + factor*(v-m))
		}
	}
}

func adjustSaturation(p *planes, factor float32) {
	for i := range p.c[0] {
		l := luma(p.c[0][i], p.c[1][i], p.c[2][i])
		p.c[0][i] = clamp01(l + factor*(p.c[0][i]-l))
		p.c[1][i] = clamp01(l + factor*(p.c[1][i]-l))
		p.c[2][i] = clamp01(l + factor*(p.c[2][i]-l))
	}
}

// adjustHue rotates the hue channel by delta (fraction of the color wheel).
func adjustHue(p *planes, delta float64) {
	for i := range p.c[0] {
		h, s, v := rgbToHSV(p.c[0][i], p.c[1][i], p.c[2][i])
		h += float32(delta)
		if h < 0 {
			h++
		} else if h >= 1 {
			h--
		}
		p.c[0][i], p.c[1][i], p.c[2][i] = hsvToRGB(h, s, v)
	}
}

// solarize inverts every channel value above the threshold.
func solarize(p *planes, threshold float32) {
	for ch := range p.c {
		for i, v := range p.c[ch] {
			if v >= threshold {
				p.c[ch][i] = 1 - v
			}
		}
	}
}

// gaussianBlur convolves each plane with a separable Gaussian kernel whose
// sigma equals the radius, clamping at the borders.
func gaussianBlur(p *planes, radius float64) {
	r := int(math.Ceil(2 * radius))
	if r < 1 {
		r = 1
	}
	kernel := make([]float32, 2*r+1)
	var sum float64
	for i := -r; i <= r; i++ {
		w := math.Exp(-float64(i*i) / (2 * radius * radius))
		kernel[i+r] = float32(w)
		sum += w
	}
	inv := float32(1 / sum)
	for i := range kernel {
		kernel[i] *= inv
	}

	n := p.size
	tmp := make([]float32, n*n)
	for ch := range p.c {
		plane := p.c[ch]
		// horizontal pass
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				var acc float32
				for k := -r; k <= r; k++ {
					sx := clampInt(x+k, 0, n-1)
					acc += kernel[k+r] * plane[y*n+sx]
				}
				tmp[y*n+x] = acc
			}
		}
		// vertical pass
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				var acc float32
				for k := -r; k <= r; k++ {
					sy := clampInt(y+k, 0, n-1)
					acc += kernel[k+r] * tmp[sy*n+x]
				}
				plane[y*n+x] = acc
			}
		}
	}
}

// toTensor normalizes the planes with the dataset statistics into a CHW
// float32 tensor [3, size, size].
func toTensor(p *planes) *tensor.Tensor {
	n := p.size
	out := tensor.New(3, n, n)
	for ch := 0; ch < 3; ch++ {
		dst := out.Data[ch*n*n : (ch+1)*n*n]
		mean, std := normMean[ch], normStd[ch]
		for i, v := range p.c[ch] {
			dst[i] = (v - mean) / std
		}
	}
	return out
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func rgbToHSV(r, g, b float32) (h, s, v float32) {
	maxc := r
	if g > maxc {
		maxc = g
	}
	if b > maxc {
		maxc = b
	}
	minc := r
	if g < minc {
		minc = g
	}
	if b < minc {
		minc = b
	}
	v = maxc
	d := maxc - minc
	if maxc == 0 || d == 0 {
		return 0, 0, v
	}
	s = d / maxc
	switch maxc {
	case r:
		h = (g - b) / d
		if h < 0 {
			h += 6
		}
	case g:
		h = (b-r)/d + 2
	default:
		h = (r-g)/d + 4
	}
	return h / 6, s, v
}

func hsvToRGB(h, s, v float32) (r, g, b float32) {
	if s == 0 {
		return v, v, v
	}
	h6 := h * 6
	sector := int(h6) % 6
	f := h6 - float32(int(h6))
	p := v * (1 - s)
	q := v * (1 - s*f)
	t := v * (1 - s*(1-f))
	switch sector {
	case 0:
		return v, t, p
	case 1:
		return q, v, p
	case 2:
		return p, v, t
	case 3:
		return p, q, v
	case 4:
		return t, p, v
	default:
		return v, p, q
	}
}

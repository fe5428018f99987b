package augment

import (
	"image"

	"golang.org/x/image/draw"

	"github.com/computationalpathologygroup/dino/tensor"
)

// EvalTransform is the deterministic evaluation-time transform: resize the
// whole image to size x size with Catmull-Rom resampling and normalize. No
// random distortion is applied.
func EvalTransform(img image.Image, size int) *tensor.Tensor {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

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
	return toTensor(p)
}

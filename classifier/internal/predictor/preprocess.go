package predictor

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/lungscan/classifier-broker/classifier/internal/backend"
)

// Preprocess decodes an encoded image and returns a [1, size, size, 3]
// tensor: RGB, nearest-neighbour resized, channel values scaled into [0, 1].
func Preprocess(data []byte, size int, rescale float32) (backend.Tensor, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return backend.Tensor{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if src.Bounds().Empty() {
		return backend.Tensor{}, fmt.Errorf("%w: empty %s image", ErrInvalidImage, format)
	}

	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := make([]float32, 0, size*size*3)
	for y := 0; y < size; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+size*4]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+3]
			out = append(out,
				float32(px[0])*rescale,
				float32(px[1])*rescale,
				float32(px[2])*rescale,
			)
		}
	}

	return backend.Tensor{Shape: []int{1, size, size, 3}, Data: out}, nil
}

// Package dataset loads and prepares the image datasets used by the
// experiments: MNIST (IDX) and CIFAR-10 (binary batches).
package dataset

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrFormat reports a malformed dataset file.
	ErrFormat = errors.New("malformed dataset")

	// ErrBatchSize reports a set that cannot be split into equal batches.
	ErrBatchSize = errors.New("set size is not a multiple of the batch size")
)

// Set is an in-memory collection of images, each flattened channel-major
// as [Channels, Height, Width]. Labels is nil for unlabelled data.
type Set struct {
	Images   [][]float64
	Labels   []int
	Channels int
	Height   int
	Width    int
}

// Len returns the number of samples.
func (s *Set) Len() int { return len(s.Images) }

// Dim returns the flattened size of one image.
func (s *Set) Dim() int { return s.Channels * s.Height * s.Width }

// Head returns a view of the first n samples. n is clamped to Len.
func (s *Set) Head(n int) *Set {
	if n > s.Len() {
		n = s.Len()
	}
	out := *s
	out.Images = s.Images[:n]
	if s.Labels != nil {
		out.Labels = s.Labels[:n]
	}
	return &out
}

// Split returns views of the first n samples and the remainder.
func (s *Set) Split(n int) (*Set, *Set, error) {
	if n < 0 || n > s.Len() {
		return nil, nil, fmt.Errorf("split at %d of %d samples", n, s.Len())
	}
	a, b := *s, *s
	a.Images, b.Images = s.Images[:n], s.Images[n:]
	if s.Labels != nil {
		a.Labels, b.Labels = s.Labels[:n], s.Labels[n:]
	}
	return &a, &b, nil
}

// Rescale maps pixel values from [0,1] to [lo,hi] in place.
func (s *Set) Rescale(lo, hi float64) {
	span := hi - lo
	for _, img := range s.Images {
		for i, v := range img {
			img[i] = lo + span*v
		}
	}
}

// PadTo zero-pads every image to height x width, centring the original.
// Images already at the target size are left unchanged.
func (s *Set) PadTo(height, width int) error {
	if s.Height == height && s.Width == width {
		return nil
	}
	if s.Height > height || s.Width > width {
		return fmt.Errorf("cannot pad %dx%d images to %dx%d", s.Height, s.Width, height, width)
	}
	top := (height - s.Height) / 2
	left := (width - s.Width) / 2

	for n, img := range s.Images {
		padded := make([]float64, s.Channels*height*width)
		for c := 0; c < s.Channels; c++ {
			for y := 0; y < s.Height; y++ {
				src := img[(c*s.Height+y)*s.Width : (c*s.Height+y+1)*s.Width]
				dst := (c*height+y+top)*width + left
				copy(padded[dst:dst+s.Width], src)
			}
		}
		s.Images[n] = padded
	}
	s.Height, s.Width = height, width
	return nil
}

// Matrix copies the images into a samples x Dim matrix.
func (s *Set) Matrix() *mat.Dense {
	m := mat.NewDense(s.Len(), s.Dim(), nil)
	for i, img := range s.Images {
		m.SetRow(i, img)
	}
	return m
}

// Batches is a partition of a Set into equal, consecutive batches.
type Batches struct {
	Images [][][]float64
	Labels [][]int
	Size   int
}

// Len returns the number of batches.
func (b *Batches) Len() int { return len(b.Images) }

// Partition splits s into batches of size samples. As with an array
// reshape, the set size must be an exact multiple of size.
func Partition(s *Set, size int) (*Batches, error) {
	if size <= 0 {
		return nil, fmt.Errorf("batch size %d: %w", size, ErrBatchSize)
	}
	if s.Len()%size != 0 {
		return nil, fmt.Errorf("%d samples into batches of %d: %w", s.Len(), size, ErrBatchSize)
	}

	nb := s.Len() / size
	b := &Batches{
		Images: make([][][]float64, nb),
		Size:   size,
	}
	if s.Labels != nil {
		b.Labels = make([][]int, nb)
	}
	for i := 0; i < nb; i++ {
		b.Images[i] = s.Images[i*size : (i+1)*size]
		if s.Labels != nil {
			b.Labels[i] = s.Labels[i*size : (i+1)*size]
		}
	}
	return b, nil
}

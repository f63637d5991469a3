package dataset

import (
	"compress/gzip"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// MNISTBaseURL is the mirror the MNIST archives are fetched from.
const MNISTBaseURL = "https://storage.googleapis.com/cvdf-datasets/mnist/"

const (
	idxImageMagic = 2051
	idxLabelMagic = 2049

	// maxIDXPixels bounds rows*cols of a single IDX image.
	maxIDXPixels = 1 << 20
)

var mnistFiles = []string{
	"train-images-idx3-ubyte.gz",
	"train-labels-idx1-ubyte.gz",
	"t10k-images-idx3-ubyte.gz",
	"t10k-labels-idx1-ubyte.gz",
}

// FetchMNIST makes sure the four gzipped IDX archives are present in dir.
func FetchMNIST(ctx context.Context, dir string) error {
	for _, name := range mnistFiles {
		if err := Fetch(ctx, MNISTBaseURL+name, filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// LoadMNIST loads the training (60k) or test (10k) split from the gzipped
// IDX files in dir. Pixels are scaled to [0,1]; images are 1x28x28.
func LoadMNIST(dir string, train bool) (*Set, error) {
	prefix := "t10k"
	if train {
		prefix = "train"
	}

	labels, err := readIDXLabels(filepath.Join(dir, prefix+"-labels-idx1-ubyte.gz"))
	if err != nil {
		return nil, fmt.Errorf("load labels: %w", err)
	}
	images, rows, cols, err := readIDXImages(filepath.Join(dir, prefix+"-images-idx3-ubyte.gz"), len(labels))
	if err != nil {
		return nil, fmt.Errorf("load images: %w", err)
	}

	set := &Set{
		Images:   make([][]float64, len(images)),
		Labels:   make([]int, len(labels)),
		Channels: 1,
		Height:   rows,
		Width:    cols,
	}
	for i, raw := range images {
		img := make([]float64, len(raw))
		for j, p := range raw {
			img[j] = float64(p) / 255
		}
		set.Images[i] = img
		set.Labels[i] = int(labels[i])
	}
	return set, nil
}

func openGzip(path string) (io.ReadCloser, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	closeAll := func() error {
		zerr := zr.Close()
		if ferr := f.Close(); zerr == nil {
			zerr = ferr
		}
		return zerr
	}
	return zr, closeAll, nil
}

// readIDXImages reads an IDX3 image file:
//
//	magic number: 0x00000803 (2051)
//	number of images, rows, cols: 4 bytes each, big endian
//	pixel data: unsigned bytes (0-255)
//
// The header count must equal want.
func readIDXImages(path string, want int) ([][]byte, int, int, error) {
	r, closeAll, err := openGzip(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer closeAll()
	return parseIDXImages(r, want)
}

func parseIDXImages(r io.Reader, want int) ([][]byte, int, int, error) {
	var header [4]uint32
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, 0, 0, fmt.Errorf("read header: %w", err)
	}
	if header[0] != idxImageMagic {
		return nil, 0, 0, fmt.Errorf("image magic %d, want %d: %w", header[0], idxImageMagic, ErrFormat)
	}

	n, rows, cols := int(header[1]), int(header[2]), int(header[3])
	if n != want {
		return nil, 0, 0, fmt.Errorf("%d images but %d labels: %w", n, want, ErrFormat)
	}
	if rows == 0 || cols == 0 || rows > maxIDXPixels/cols {
		return nil, 0, 0, fmt.Errorf("image size %dx%d: %w", rows, cols, ErrFormat)
	}

	images := make([][]byte, n)
	for i := range images {
		images[i] = make([]byte, rows*cols)
		if _, err := io.ReadFull(r, images[i]); err != nil {
			return nil, 0, 0, fmt.Errorf("read image %d: %w: %w", i, ErrFormat, err)
		}
	}
	return images, rows, cols, nil
}

// readIDXLabels reads an IDX1 label file:
//
//	magic number: 0x00000801 (2049)
//	number of labels: 4 bytes, big endian
//	label data: unsigned bytes (0-9)
func readIDXLabels(path string) ([]byte, error) {
	r, closeAll, err := openGzip(path)
	if err != nil {
		return nil, err
	}
	defer closeAll()
	return parseIDXLabels(r)
}

func parseIDXLabels(r io.Reader) ([]byte, error) {
	var header [2]uint32
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if header[0] != idxLabelMagic {
		return nil, fmt.Errorf("label magic %d, want %d: %w", header[0], idxLabelMagic, ErrFormat)
	}

	n := int64(header[1])
	labels, err := io.ReadAll(io.LimitReader(r, n))
	if err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	if int64(len(labels)) != n {
		return nil, fmt.Errorf("header counts %d labels, file holds %d: %w", n, len(labels), ErrFormat)
	}
	return labels, nil
}

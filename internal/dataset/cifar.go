package dataset

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
)

// CIFAR10URL is the location of the binary CIFAR-10 archive.
const CIFAR10URL = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"

const (
	cifarSide   = 32
	cifarPixels = 3 * cifarSide * cifarSide
	cifarRecord = 1 + cifarPixels
)

// FetchCIFAR10 makes sure the CIFAR-10 tarball is present in dir and
// returns its path.
func FetchCIFAR10(ctx context.Context, dir string) (string, error) {
	p := filepath.Join(dir, path.Base(CIFAR10URL))
	return p, Fetch(ctx, CIFAR10URL, p)
}

// LoadCIFAR10 reads the train (data_batch_1..5) and test (test_batch)
// splits from the binary tarball. Each record is one label byte followed
// by 3072 pixel bytes already in channel-major order; pixels are scaled
// to [0,1].
func LoadCIFAR10(archive string) (train, test *Set, err error) {
	r, closeAll, err := openGzip(archive)
	if err != nil {
		return nil, nil, err
	}
	defer closeAll()

	train = newCIFARSet()
	test = newCIFARSet()

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", archive, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		base := path.Base(hdr.Name)
		var dst *Set
		switch {
		case strings.HasPrefix(base, "data_batch_") && strings.HasSuffix(base, ".bin"):
			dst = train
		case base == "test_batch.bin":
			dst = test
		default:
			continue
		}
		if err := readCIFARBatch(tr, hdr.Size, dst); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", base, err)
		}
	}

	if train.Len() == 0 || test.Len() == 0 {
		return nil, nil, fmt.Errorf("%s: missing train or test batches: %w", archive, ErrFormat)
	}
	return train, test, nil
}

func newCIFARSet() *Set {
	return &Set{Channels: 3, Height: cifarSide, Width: cifarSide, Labels: []int{}}
}

func readCIFARBatch(r io.Reader, size int64, dst *Set) error {
	if size%cifarRecord != 0 {
		return fmt.Errorf("size %d is not a multiple of %d: %w", size, cifarRecord, ErrFormat)
	}

	buf := make([]byte, cifarRecord)
	for n := size / cifarRecord; n > 0; n-- {
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		if buf[0] > 9 {
			return fmt.Errorf("label %d out of range: %w", buf[0], ErrFormat)
		}
		img := make([]float64, cifarPixels)
		for i, p := range buf[1:] {
			img[i] = float64(p) / 255
		}
		dst.Images = append(dst.Images, img)
		dst.Labels = append(dst.Labels, int(buf[0]))
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/FlavioCFOliveira/deepnef/internal/convnet"
	"github.com/FlavioCFOliveira/deepnef/internal/dataset"
	"github.com/FlavioCFOliveira/deepnef/internal/layer"
	"github.com/FlavioCFOliveira/deepnef/internal/net"
)

const (
	batchSize = 100
	testSize  = 1000
	epochs    = 100
)

// Trains the convolutional classifier on MNIST (or CIFAR-10 with
// DEEPNEF_DATASET=cifar10) and reports held-out error every epoch.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dev, err := layer.DeviceFromEnv()
	if err != nil {
		log.Fatalf("device: %v", err)
	}
	log.Printf("device: %s (%s)", dev.Type(), dev.Describe())

	dataDir := os.Getenv("DEEPNEF_DATA")
	if dataDir == "" {
		dataDir = "./data"
	}
	train, test, err := loadImages(ctx, dataDir, os.Getenv("DEEPNEF_DATASET"))
	if err != nil {
		log.Fatalf("load data: %v", err)
	}

	trainBatches, err := dataset.Partition(train, batchSize)
	if err != nil {
		log.Fatalf("train batches: %v", err)
	}
	testBatches, err := dataset.Partition(test, testSize)
	if err != nil {
		log.Fatalf("test batches: %v", err)
	}

	cfg := convnet.DefaultConfig()
	cfg.Channels = train.Channels
	clf, err := convnet.Build(cfg)
	if err != nil {
		log.Fatalf("build: %v", err)
	}

	callbacks := []net.Callback{net.FiniteCheck{}, net.Logger{Interval: 1}}
	if path := os.Getenv("DEEPNEF_METRICS"); path != "" {
		callbacks = append(callbacks, net.NewCSVLogger(path, false))
	}

	if _, err := convnet.Fit(ctx, clf, trainBatches, testBatches, epochs, callbacks...); err != nil {
		log.Fatalf("train: %v", err)
	}
}

func loadImages(ctx context.Context, dir, name string) (train, test *dataset.Set, err error) {
	switch name {
	case "", "mnist":
		if err := dataset.FetchMNIST(ctx, dir); err != nil {
			return nil, nil, err
		}
		if train, err = dataset.LoadMNIST(dir, true); err != nil {
			return nil, nil, err
		}
		if test, err = dataset.LoadMNIST(dir, false); err != nil {
			return nil, nil, err
		}
		for _, s := range []*dataset.Set{train, test} {
			if err := s.PadTo(32, 32); err != nil {
				return nil, nil, err
			}
		}
		return train, test, nil

	case "cifar10":
		archive, err := dataset.FetchCIFAR10(ctx, dir)
		if err != nil {
			return nil, nil, err
		}
		return dataset.LoadCIFAR10(archive)

	default:
		return nil, nil, fmt.Errorf("unknown dataset %q", name)
	}
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/FlavioCFOliveira/deepnef/internal/dataset"
	"github.com/FlavioCFOliveira/deepnef/internal/layer"
	"github.com/FlavioCFOliveira/deepnef/internal/nef"
)

// MNIST's 60k training images are split the way the classic pickled
// archive splits them.
const trainSize = 50000

// Pretrains a deep autoencoder on MNIST layer by layer with NEF decoders,
// then fine-tunes it end to end.
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
	if err := dataset.FetchMNIST(ctx, dataDir); err != nil {
		log.Fatalf("fetch: %v", err)
	}
	all, err := dataset.LoadMNIST(dataDir, true)
	if err != nil {
		log.Fatalf("load train: %v", err)
	}
	test, err := dataset.LoadMNIST(dataDir, false)
	if err != nil {
		log.Fatalf("load test: %v", err)
	}
	train, valid, err := all.Split(trainSize)
	if err != nil {
		log.Fatalf("split: %v", err)
	}
	for _, s := range []*dataset.Set{train, valid, test} {
		s.Rescale(-1, 1)
	}

	cfg := nef.DefaultRunConfig()
	cfg.Workers = dev.Workers()
	if v := os.Getenv("DEEPNEF_UNMASKED"); v != "" {
		if cfg.Train.Unmasked, err = strconv.ParseBool(v); err != nil {
			log.Fatalf("DEEPNEF_UNMASKED: %v", err)
		}
	}

	if _, _, err := nef.Run(ctx, cfg, train, valid, test); err != nil {
		log.Fatalf("run: %v", err)
	}
}

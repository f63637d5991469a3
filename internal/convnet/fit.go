package convnet

import (
	"context"
	"fmt"

	"github.com/FlavioCFOliveira/deepnef/internal/dataset"
	"github.com/FlavioCFOliveira/deepnef/internal/net"
)

// Report is the outcome of Fit.
type Report struct {
	Epochs    []net.Metrics
	TestError float64 // mean error over all held-out batches
}

// Fit trains clf for the given number of epochs. After every epoch the
// first held-out batch is scored and the callbacks see the epoch's summed
// loss, mean training error and that test error. The context is checked
// between batches. Once every callback has begun, OnTrainEnd runs on all
// of them however training stops.
func Fit(ctx context.Context, clf *Classifier, train, test *dataset.Batches, epochs int, callbacks ...net.Callback) (rep Report, err error) {
	if train.Len() == 0 || test.Len() == 0 {
		return rep, fmt.Errorf("convnet: fit needs train and test batches")
	}
	if train.Labels == nil || test.Labels == nil {
		return rep, fmt.Errorf("convnet: fit needs labelled batches")
	}

	n := clf.Network()
	for i, cb := range callbacks {
		if err := cb.OnTrainBegin(n); err != nil {
			endTraining(n, callbacks[:i])
			return rep, err
		}
	}
	defer func() {
		if endErr := endTraining(n, callbacks); err == nil {
			err = endErr
		}
	}()

	for epoch := 0; epoch < epochs; epoch++ {
		var m net.Metrics
		for b := range train.Images {
			if err := ctx.Err(); err != nil {
				return rep, err
			}

			cost, errRate, err := clf.TrainBatch(train.Images[b], train.Labels[b])
			if err != nil {
				return rep, fmt.Errorf("epoch %d batch %d: %w", epoch, b, err)
			}
			m.Loss += cost
			m.Error += errRate

			for _, cb := range callbacks {
				if err := cb.OnBatchEnd(b, cost, n); err != nil {
					return rep, fmt.Errorf("epoch %d: %w", epoch, err)
				}
			}
		}
		m.Error /= float64(train.Len())

		if m.TestError, err = clf.ErrorRate(test.Images[0], test.Labels[0]); err != nil {
			return rep, err
		}
		rep.Epochs = append(rep.Epochs, m)

		for _, cb := range callbacks {
			if err := cb.OnEpochEnd(epoch, m, n); err != nil {
				return rep, err
			}
		}
	}

	var total float64
	for b := range test.Images {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		e, err := clf.ErrorRate(test.Images[b], test.Labels[b])
		if err != nil {
			return rep, err
		}
		total += e
	}
	rep.TestError = total / float64(test.Len())
	fmt.Printf("Test error: %f\n", rep.TestError)
	return rep, nil
}

// endTraining calls OnTrainEnd on every callback and returns the first
// error.
func endTraining(n *net.Network, callbacks []net.Callback) error {
	var first error
	for _, cb := range callbacks {
		if err := cb.OnTrainEnd(n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

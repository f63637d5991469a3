package net

import "fmt"

// Metrics are the per-epoch figures a training loop reports.
type Metrics struct {
	Loss      float64 // summed batch loss over the epoch
	Error     float64 // mean training error rate
	TestError float64 // error rate on the monitored held-out batch
}

// Callback defines the interface for training callbacks. A non-nil error
// aborts training.
type Callback interface {
	OnTrainBegin(n *Network) error
	OnTrainEnd(n *Network) error
	OnEpochEnd(epoch int, m Metrics, n *Network) error
	OnBatchEnd(batch int, loss float64, n *Network) error
}

// BaseCallback provides default empty implementations for Callback.
type BaseCallback struct{}

func (c BaseCallback) OnTrainBegin(n *Network) error                        { return nil }
func (c BaseCallback) OnTrainEnd(n *Network) error                          { return nil }
func (c BaseCallback) OnEpochEnd(epoch int, m Metrics, n *Network) error    { return nil }
func (c BaseCallback) OnBatchEnd(batch int, loss float64, n *Network) error { return nil }

// FiniteCheck validates every parameter after each optimizer step.
type FiniteCheck struct {
	BaseCallback
}

func (c FiniteCheck) OnBatchEnd(batch int, loss float64, n *Network) error {
	if err := n.CheckParams(); err != nil {
		return fmt.Errorf("after batch %d: %w", batch, err)
	}
	return nil
}

// Logger logs training progress to console.
type Logger struct {
	BaseCallback
	Interval int
}

func (c Logger) OnEpochEnd(epoch int, m Metrics, n *Network) error {
	if c.Interval > 0 && epoch%c.Interval == 0 {
		fmt.Printf("Epoch %d: %f, %f, %f\n", epoch, m.Loss, m.Error, m.TestError)
	}
	return nil
}

// Package loss provides benchmarks for loss functions.
package loss

import "testing"

// BenchmarkSoftmaxCrossEntropyBackwardInPlace benchmarks the classifier loss gradient.
func BenchmarkSoftmaxCrossEntropyBackwardInPlace(b *testing.B) {
	ce := SoftmaxCrossEntropy{}
	scores := []float64{0.1, 0.5, -0.3, 1.2, 0.0, -2.0, 0.7, 0.3, 0.9, -0.1}
	target := OneHot(make([]float64, 10), 3)
	grad := make([]float64, 10)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ce.BackwardInPlace(scores, target, grad)
	}
}

// BenchmarkRMSEBackwardInPlace benchmarks the reconstruction loss gradient on an MNIST-sized row.
func BenchmarkRMSEBackwardInPlace(b *testing.B) {
	rmse := RMSE{}
	pred := make([]float64, 784)
	target := make([]float64, 784)
	for i := range pred {
		pred[i] = float64(i%7) * 0.1
		target[i] = float64(i%5) * 0.1
	}
	grad := make([]float64, 784)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rmse.BackwardInPlace(pred, target, grad)
	}
}

package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Matrix is a row-major view over a float32 slice used by the convolution
// kernels.
type Matrix struct {
	Rows, Cols int
	Data       []float32
}

func (m Matrix) general() blas32.General {
	return blas32.General{Rows: m.Rows, Cols: m.Cols, Stride: m.Cols, Data: m.Data}
}

// Gemm computes c = alpha·op(a)·op(b) + beta·c where op transposes its
// argument when the matching flag is set.
func Gemm(transA, transB bool, alpha float32, a, b Matrix, beta float32, c Matrix) {
	ta, tb := blas.NoTrans, blas.NoTrans
	if transA {
		ta = blas.Trans
	}
	if transB {
		tb = blas.Trans
	}
	blas32.Gemm(ta, tb, alpha, a.general(), b.general(), beta, c.general())
}

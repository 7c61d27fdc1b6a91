package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdjustToStep(t *testing.T) {
	assert.Equal(t, 1.23, AdjustToStep(1.239, "0.01"))
	assert.Equal(t, 0.0012, AdjustToStep(0.00129, "0.0001"))
	assert.Equal(t, 12.0, AdjustToStep(12.9, "1"))
	assert.Equal(t, 12.9, AdjustToStep(12.9, ""), "非法步长时原样返回")
}

func TestSplitEvenSumsExactly(t *testing.T) {
	parts := SplitEven(100, 4, 2)
	assert.Equal(t, []float64{25, 25, 25, 25}, parts)

	parts = SplitEven(100.01, 4, 2)
	assert.Equal(t, []float64{25, 25, 25, 25.01}, parts)
	assert.Equal(t, 100.01, Sum(parts...))

	parts = SplitEven(10, 3, 2)
	assert.Equal(t, []float64{3.33, 3.33, 3.34}, parts)
	assert.Equal(t, 10.0, Sum(parts...))
}

func TestDiv(t *testing.T) {
	assert.Equal(t, 100.0, Div(1000, 10))
	assert.Equal(t, 0.0, Div(1, 0))
}

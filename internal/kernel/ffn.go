package kernel

import (
	"math"

	"github.com/dopplerai/doppler/internal/errs"
)

// Activation selects the FFN gating nonlinearity, mirroring the
// manifest's architecture.activation field.
type Activation int

const (
	ActivationSiLU Activation = iota
	ActivationGELU
	ActivationReLU
)

func applyActivation(x float32, act Activation) float32 {
	switch act {
	case ActivationSiLU:
		return x / (1 + float32(math.Exp(float64(-x))))
	case ActivationGELU:
		return 0.5 * x * (1 + float32(math.Tanh(math.Sqrt(2/math.Pi)*(float64(x)+0.044715*float64(x*x*x)))))
	case ActivationReLU:
		if x < 0 {
			return 0
		}
		return x
	default:
		return x
	}
}

// GatedFFN computes act(Gate) ⊙ Up, per spec.md §4.6's swiglu/gated-silu
// kernel (generalized to the manifest's declared activation kind).
func GatedFFN(gate, up []float32, act Activation) ([]float32, error) {
	if len(gate) != len(up) {
		return nil, errs.Newf(errs.ShapeMismatch, nil, "gated_ffn: gate has %d elements, up has %d", len(gate), len(up))
	}
	out := make([]float32, len(gate))
	for i := range gate {
		out[i] = applyActivation(gate[i], act) * up[i]
	}
	return out, nil
}

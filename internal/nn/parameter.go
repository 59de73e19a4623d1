package nn

import (
	"github.com/born-ml/borntrain/internal/tensor"
)

// Parameter represents a trainable parameter of a model.
//
// Parameters are what the optimizer updates and what model state
// dictionaries are built from. The name is the fully qualified path of the
// parameter inside the model (e.g., "perceiver.layers.0.norm.weight").
//
// Example:
//
//	w, _ := tensor.FromFloat32(tensor.Shape{4}, []float32{0, 0, 0, 0})
//	weight := nn.NewParameter("lm_head.weight", w)
//	weight.SetGrad(grad)
type Parameter struct {
	name   string            // Fully qualified parameter name
	value  *tensor.RawTensor // The parameter tensor (float32)
	grad   *tensor.RawTensor // Gradient written by the training-step executor
	frozen bool              // Frozen parameters are not handed to the optimizer
}

// NewParameter creates a new trainable parameter.
func NewParameter(name string, value *tensor.RawTensor) *Parameter {
	return &Parameter{name: name, value: value}
}

// NewFrozenParameter creates a parameter that is part of the model state but
// is not trainable (e.g., the frozen vision encoder and language model).
func NewFrozenParameter(name string, value *tensor.RawTensor) *Parameter {
	return &Parameter{name: name, value: value, frozen: true}
}

// Name returns the parameter name.
func (p *Parameter) Name() string {
	return p.name
}

// Tensor returns the parameter tensor.
func (p *Parameter) Tensor() *tensor.RawTensor {
	return p.value
}

// Shape returns the parameter shape.
func (p *Parameter) Shape() tensor.Shape {
	return p.value.Shape()
}

// RequiresGrad reports whether the parameter is trainable.
func (p *Parameter) RequiresGrad() bool {
	return !p.frozen
}

// Descriptor returns the name/shape pair used for classification.
func (p *Parameter) Descriptor() ParamDescriptor {
	return ParamDescriptor{Name: p.name, Shape: p.value.Shape()}
}

// Grad returns the gradient tensor, or nil before the first backward pass.
func (p *Parameter) Grad() *tensor.RawTensor {
	return p.grad
}

// SetGrad sets the gradient tensor.
func (p *Parameter) SetGrad(grad *tensor.RawTensor) {
	p.grad = grad
}

// ZeroGrad clears the gradient tensor.
func (p *Parameter) ZeroGrad() {
	p.grad = nil
}

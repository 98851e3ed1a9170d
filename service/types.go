package service

import "fmt"

const DefaultImageSize = 224

// Layout is the order of the tensor axes fed to the model.
type Layout string

const (
	// NHWC is [batch, height, width, channel], the Keras export default.
	NHWC Layout = "NHWC"
	// NCHW is [batch, channel, height, width].
	NCHW Layout = "NCHW"
)

// Tensor is a dense float32 batch with its shape.
type Tensor struct {
	Data  []float32
	Shape []int64
}

func (t *Tensor) Len() int {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return int(n)
}

// Score is one class with its confidence as a percentage.
type Score struct {
	Index      int     `json:"index"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

func (s Score) ConfidenceText() string {
	return FormatConfidence(s.Confidence)
}

type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Top        []Score `json:"top"`
}

// Diagnosis is a prediction with the advice text resolved for its label.
type Diagnosis struct {
	Prediction
	Advice DiseaseInfo `json:"advice"`
}

func (d *Diagnosis) ConfidenceText() string {
	return FormatConfidence(d.Confidence)
}

// FormatConfidence renders a percentage with two decimals, e.g. "85.00%".
func FormatConfidence(pct float64) string {
	return fmt.Sprintf("%.2f%%", pct)
}

package onnx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/krau/plantdoc/service"
	ort "github.com/yalue/onnxruntime_go"
)

type Options struct {
	// InputShape is the full batch shape, e.g. [1, 224, 224, 3].
	InputShape []int64
	// NumClasses is only needed when the model's output dimension is dynamic.
	NumClasses int
	// Sessions is the number of independent sessions; each serves one
	// request at a time.
	Sessions int
	// IntraOpThreads is passed to ONNX Runtime when positive.
	IntraOpThreads int
}

type model struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (m *model) destroy() {
	if m.session != nil {
		m.session.Destroy()
	}
	if m.input != nil {
		m.input.Destroy()
	}
	if m.output != nil {
		m.output.Destroy()
	}
}

// Classifier runs an ONNX image classification model. Sessions are borrowed
// from a pool so a single session never runs concurrently.
type Classifier struct {
	pool       chan *model
	models     []*model
	inputShape ort.Shape
	inputName  string
	outputName string
	numClasses int
}

var _ service.Classifier = (*Classifier)(nil)

// NewClassifier loads the model at path. Any failure is reported as
// service.ErrConfiguration and leaves nothing allocated.
func NewClassifier(path string, opts Options) (*Classifier, error) {
	if len(opts.InputShape) == 0 {
		return nil, fmt.Errorf("%w: input shape is required", service.ErrConfiguration)
	}
	if opts.Sessions <= 0 {
		opts.Sessions = 1
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get model input/output info: %v", service.ErrConfiguration, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("%w: model has no inputs or outputs", service.ErrConfiguration)
	}

	numClasses, err := outputClasses(outputs[0].Dimensions, opts.NumClasses)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", service.ErrConfiguration, err)
	}
	if err := checkInputShape(inputs[0].Dimensions, opts.InputShape); err != nil {
		return nil, fmt.Errorf("%w: %v", service.ErrConfiguration, err)
	}

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create session options: %v", service.ErrConfiguration, err)
	}
	defer sessOpts.Destroy()
	if opts.IntraOpThreads > 0 {
		if err := sessOpts.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("%w: failed to set intra-op threads: %v", service.ErrConfiguration, err)
		}
	}

	c := &Classifier{
		pool:       make(chan *model, opts.Sessions),
		inputShape: ort.NewShape(opts.InputShape...),
		inputName:  inputs[0].Name,
		outputName: outputs[0].Name,
		numClasses: numClasses,
	}
	for range opts.Sessions {
		m, err := c.newModel(path, sessOpts)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("%w: %v", service.ErrConfiguration, err)
		}
		c.models = append(c.models, m)
		c.pool <- m
	}

	slog.Info("Model loaded",
		slog.String("path", path),
		slog.String("input", c.inputName),
		slog.String("output", c.outputName),
		slog.Int("classes", numClasses),
		slog.Int("sessions", opts.Sessions),
	)
	return c, nil
}

func (c *Classifier) newModel(path string, sessOpts *ort.SessionOptions) (*model, error) {
	m := &model{}
	var err error
	m.input, err = ort.NewTensor(c.inputShape, make([]float32, c.inputShape.FlattenedSize()))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	m.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(c.numClasses)))
	if err != nil {
		m.destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	m.session, err = ort.NewAdvancedSession(
		path,
		[]string{c.inputName},
		[]string{c.outputName},
		[]ort.Value{m.input},
		[]ort.Value{m.output},
		sessOpts,
	)
	if err != nil {
		m.destroy()
		return nil, fmt.Errorf("failed to create ONNX Runtime session: %w", err)
	}
	return m, nil
}

func (c *Classifier) NumClasses() int {
	return c.numClasses
}

func (c *Classifier) Predict(ctx context.Context, input *service.Tensor) ([]float32, error) {
	if input == nil || !slices.Equal(input.Shape, []int64(c.inputShape)) {
		var got []int64
		if input != nil {
			got = input.Shape
		}
		return nil, fmt.Errorf("%w: input shape %v, model expects %v", service.ErrInference, got, c.inputShape)
	}
	if len(input.Data) != int(c.inputShape.FlattenedSize()) {
		return nil, fmt.Errorf("%w: input has %d values, shape %v needs %d",
			service.ErrInference, len(input.Data), c.inputShape, c.inputShape.FlattenedSize())
	}

	var m *model
	select {
	case m = <-c.pool:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: waiting for session: %w", service.ErrInference, ctx.Err())
	}
	defer func() { c.pool <- m }()

	copy(m.input.GetData(), input.Data)
	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: %v", service.ErrInference, err)
	}

	out := m.output.GetData()
	scores := make([]float32, len(out))
	copy(scores, out)
	return scores, nil
}

// Close must not race with Predict.
func (c *Classifier) Close() error {
	for _, m := range c.models {
		m.destroy()
	}
	c.models = nil
	return nil
}

func outputClasses(dims ort.Shape, fallback int) (int, error) {
	if len(dims) == 0 {
		return 0, errors.New("model output has no dimensions")
	}
	last := dims[len(dims)-1]
	if last > 0 {
		if fallback > 0 && int(last) != fallback {
			return 0, fmt.Errorf("model outputs %d classes, configured %d", last, fallback)
		}
		return int(last), nil
	}
	if fallback <= 0 {
		return 0, fmt.Errorf("model output shape %v is dynamic and no class count is configured", dims)
	}
	return fallback, nil
}

// checkInputShape accepts dynamic (non-positive) model dimensions.
func checkInputShape(model ort.Shape, want []int64) error {
	if len(model) != len(want) {
		return fmt.Errorf("model input rank %d (%v), configured %v", len(model), model, want)
	}
	for i, d := range model {
		if d > 0 && d != want[i] {
			return fmt.Errorf("model input shape %v does not match configured %v (check image_size and input_layout)", model, want)
		}
	}
	return nil
}

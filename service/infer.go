package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"
)

// Classifier maps a preprocessed batch to one raw score per class.
// Implementations must be safe for concurrent use.
type Classifier interface {
	Predict(ctx context.Context, input *Tensor) ([]float32, error)
	NumClasses() int
	Close() error
}

type Options struct {
	Preprocess PreprocessOptions
	// Softmax turns logits into probabilities before resolving.
	Softmax bool
	TopK    int
	Advice  AdviceTable
}

func DefaultOptions() Options {
	return Options{
		Preprocess: DefaultPreprocessOptions(),
		TopK:       3,
		Advice:     DefaultAdvice,
	}
}

// InferenceContext holds the loaded model and label index for the lifetime
// of the process. It is read-only after construction.
type InferenceContext struct {
	classifier Classifier
	labels     LabelIndex
	opts       Options

	closeOnce sync.Once
	closeErr  error
}

func NewInferenceContext(clf Classifier, labels LabelIndex, opts Options) (*InferenceContext, error) {
	if clf == nil {
		return nil, fmt.Errorf("%w: classifier is nil", ErrConfiguration)
	}
	if err := labels.Validate(clf.NumClasses()); err != nil {
		return nil, err
	}
	if err := opts.Preprocess.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if opts.TopK <= 0 {
		return nil, fmt.Errorf("%w: top-k must be positive, got %d", ErrConfiguration, opts.TopK)
	}
	if len(opts.Advice.Entries) == 0 && opts.Advice.Default == (DiseaseInfo{}) {
		opts.Advice = DefaultAdvice
	}
	return &InferenceContext{
		classifier: clf,
		labels:     labels,
		opts:       opts,
	}, nil
}

func (c *InferenceContext) NumClasses() int {
	return len(c.labels)
}

// Analyze runs the whole pipeline on raw upload bytes.
func (c *InferenceContext) Analyze(ctx context.Context, data []byte) (*Diagnosis, error) {
	img, err := Decode(data, c.opts.Preprocess.MaxPixels)
	if err != nil {
		return nil, err
	}
	return c.AnalyzeImage(ctx, img)
}

// AnalyzeImage runs the pipeline on an already decoded image.
func (c *InferenceContext) AnalyzeImage(ctx context.Context, img image.Image) (*Diagnosis, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: image has no pixels", ErrDecode)
	}
	input, err := Preprocess(img, c.opts.Preprocess)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	return c.run(ctx, input)
}

func (c *InferenceContext) run(ctx context.Context, input *Tensor) (*Diagnosis, error) {
	start := time.Now()
	raw, err := c.classifier.Predict(ctx, input)
	if err != nil {
		if errors.Is(err, ErrInference) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	if len(raw) != len(c.labels) {
		return nil, fmt.Errorf("%w: model returned %d scores, expected %d", ErrInference, len(raw), len(c.labels))
	}
	probs, err := Probabilities(raw, c.opts.Softmax)
	if err != nil {
		return nil, err
	}

	pred := Resolve(probs, c.labels, c.opts.TopK)
	d := &Diagnosis{
		Prediction: pred,
		Advice:     LookupAdvice(pred.Label, c.opts.Advice),
	}
	slog.Debug("Prediction complete",
		slog.String("label", d.Label),
		slog.String("confidence", d.ConfidenceText()),
		slog.Duration("elapsed", time.Since(start)),
	)
	return d, nil
}

// Close releases the classifier. Safe to call more than once.
func (c *InferenceContext) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.classifier.Close()
	})
	return c.closeErr
}

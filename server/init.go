package server

import (
	"fmt"

	"github.com/krau/plantdoc/config"
	"github.com/krau/plantdoc/onnx"
	"github.com/krau/plantdoc/service"
)

// Init loads the label index and model named by cfg. The ONNX Runtime
// environment must already be initialized.
func Init(cfg config.Config) (*service.InferenceContext, error) {
	labels, err := service.LoadLabelIndex(cfg.LabelsPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}

	opts := service.DefaultOptions()
	opts.Preprocess = service.PreprocessOptions{
		Size:      cfg.ImageSize,
		Layout:    service.Layout(cfg.InputLayout),
		MaxPixels: cfg.MaxImagePixels,
	}
	opts.Softmax = cfg.Softmax
	opts.TopK = cfg.TopK

	clf, err := onnx.NewClassifier(cfg.ModelPath(), onnx.Options{
		InputShape: opts.Preprocess.Shape(),
		NumClasses: len(labels),
		Sessions:   cfg.Sessions,

		IntraOpThreads: cfg.IntraOpThreads,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}

	ictx, err := service.NewInferenceContext(clf, labels, opts)
	if err != nil {
		clf.Close()
		return nil, err
	}
	return ictx, nil
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Addr:           cfg.Addr(),
		Token:          cfg.Token,
		MaxUploadBytes: cfg.MaxUploadMB << 20,
	}
}

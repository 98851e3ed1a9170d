package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/krau/plantdoc/service"
)

type slowClassifier struct {
	out      []float32
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *slowClassifier) Predict(ctx context.Context, input *service.Tensor) ([]float32, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return append([]float32(nil), f.out...), nil
}

func (f *slowClassifier) NumClasses() int { return len(f.out) }
func (f *slowClassifier) Close() error { return nil }

func writeLeaf(t *testing.T, dir, name string) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{G: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func newInference(t *testing.T, clf service.Classifier) *service.InferenceContext {
	t.Helper()
	ictx, err := service.NewInferenceContext(clf, service.LabelIndex{"healthy", "rust", "blight"}, service.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ictx.Close() })
	return ictx
}

func TestClassifyAll(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(junk, []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}
	paths := []string{
		writeLeaf(t, dir, "a.png"),
		filepath.Join(dir, "missing.png"),
		writeLeaf(t, dir, "b.png"),
		junk,
		writeLeaf(t, dir, "c.png"),
	}

	clf := &slowClassifier{out: []float32{0.05, 0.85, 0.10}}
	var out, errOut bytes.Buffer
	failed := classifyAll(context.Background(), newInference(t, clf), paths, 2, &out, &errOut)
	if failed != 2 {
		t.Fatalf("failed = %d, want 2\n%s", failed, errOut.String())
	}

	stdout := out.String()
	if strings.Count(stdout, "Diagnosis: rust") != 3 {
		t.Errorf("expected three diagnoses:\n%s", stdout)
	}
	a := strings.Index(stdout, paths[0])
	b := strings.Index(stdout, paths[2])
	c := strings.Index(stdout, paths[4])
	if a < 0 || !(a < b && b < c) {
		t.Errorf("results not in argument order:\n%s", stdout)
	}

	stderr := errOut.String()
	if !strings.Contains(stderr, paths[1]+": Could not read the file.") {
		t.Errorf("missing file reported wrongly:\n%s", stderr)
	}
	if !strings.Contains(stderr, junk+": "+service.MsgInvalidImage) {
		t.Errorf("invalid image reported wrongly:\n%s", stderr)
	}

	if p := clf.peak.Load(); p > 2 {
		t.Errorf("%d predictions in flight, limit is 2", p)
	}
}

func TestCliMessage(t *testing.T) {
	_, err := classifyFile(context.Background(), newInference(t, &slowClassifier{out: []float32{0.2, 0.3, 0.5}}), filepath.Join(t.TempDir(), "nope.jpg"))
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
	if got := cliMessage(err); got != "Could not read the file." {
		t.Errorf("cliMessage = %q", got)
	}
	if got := cliMessage(service.ErrDecode); got != service.MsgInvalidImage {
		t.Errorf("cliMessage(ErrDecode) = %q", got)
	}
	if got := cliMessage(service.ErrInference); got != service.MsgAnalysisFailed {
		t.Errorf("cliMessage(ErrInference) = %q", got)
	}
}

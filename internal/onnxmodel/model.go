// Package onnxmodel runs a single-output binary classifier exported to ONNX.
package onnxmodel

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/stone-check/internal/classifier"
)

// ErrArtifactMissing is returned by Load when the model file does not exist.
var ErrArtifactMissing = errors.New("model artifact not found")

type Options struct {
	Path        string
	LibraryPath string
	InputSize   int
	Layout      classifier.Layout
	InputName   string
	OutputName  string
}

var _ classifier.Model = (*Model)(nil)

// Model owns an ONNX session bound to pre-allocated tensors. The session reuses
// those buffers, so forward passes are serialized.
type Model struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputSize    int
	layout       classifier.Layout
	fingerprint  string
	logger       *zap.Logger
}

var _ classifier.Fingerprinter = (*Model)(nil)

// Load opens the artifact at opts.Path. The caller must Close the model.
func Load(opts Options, logger *zap.Logger) (*Model, error) {
	if opts.Path == "" {
		return nil, ErrArtifactMissing
	}
	if _, err := os.Stat(opts.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, opts.Path)
		}
		return nil, fmt.Errorf("stat model artifact: %w", err)
	}
	fingerprint, err := fileFingerprint(opts.Path)
	if err != nil {
		return nil, err
	}

	if opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(opts.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	probe := &classifier.Tensor{Size: opts.InputSize, Layout: opts.Layout}
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(probe.Shape()...))
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		inputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(opts.Path,
		[]string{opts.InputName}, []string{opts.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		outputTensor.Destroy()
		inputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	logger.Info("onnx model loaded",
		zap.String("path", opts.Path),
		zap.Int("input_size", opts.InputSize),
		zap.String("layout", string(opts.Layout)),
		zap.String("fingerprint", fingerprint))

	return &Model{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputSize:    opts.InputSize,
		layout:       opts.Layout,
		fingerprint:  fingerprint,
		logger:       logger.Named("onnx_model"),
	}, nil
}

// Score runs one forward pass and returns the Stone probability.
func (m *Model) Score(ctx context.Context, t *classifier.Tensor) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if t.Size != m.inputSize || t.Layout != m.layout {
		return 0, fmt.Errorf("tensor %dx%d/%s does not match model input %dx%d/%s",
			t.Size, t.Size, t.Layout, m.inputSize, m.inputSize, m.layout)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	copy(m.inputTensor.GetData(), t.Data)
	if err := m.session.Run(); err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}

	out := m.outputTensor.GetData()
	if len(out) == 0 {
		return 0, errors.New("model produced no output")
	}
	return float64(out[0]), nil
}

// Fingerprint is the md5 of the artifact the session was built from.
func (m *Model) Fingerprint() string {
	return m.fingerprint
}

func fileFingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open model artifact: %w", err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash model artifact: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (m *Model) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inputTensor != nil {
		m.inputTensor.Destroy()
	}
	if m.outputTensor != nil {
		m.outputTensor.Destroy()
	}
	if m.session != nil {
		m.session.Destroy()
	}
	ort.DestroyEnvironment()
}

// Package classifier turns uploaded image bytes into a Stone/Normal decision
// and a saliency map, using either a loaded model or the hash-based demo path.
package classifier

import (
	"context"
	"fmt"
	"image"
	"math"
	"math/rand"
)

// Mode tags which scoring path serves requests. It is fixed at startup.
type Mode string

const (
	// ModeRealModel scores with a loaded model artifact.
	ModeRealModel Mode = "model"
	// ModeDemoFallback scores from a hash of the upload; it carries no diagnostic signal.
	ModeDemoFallback Mode = "demo"
)

const (
	LabelStone  = "Stone"
	LabelNormal = "Normal"

	// DecisionThreshold: scores strictly above it are Stone.
	DecisionThreshold = 0.5
)

// Model is a forward pass producing the Stone probability for a normalized tensor.
type Model interface {
	Score(ctx context.Context, t *Tensor) (float64, error)
}

// Fingerprinter is implemented by models that can identify the artifact they
// were loaded from.
type Fingerprinter interface {
	Fingerprint() string
}

// UnversionedModel is the fingerprint of a model that does not report one.
const UnversionedModel = "unversioned"

// Prediction is the outcome of one classification.
type Prediction struct {
	Label      string  `json:"prediction"`
	Confidence float64 `json:"confidence"`
	RawScore   float64 `json:"raw_score"`
}

// Decide maps a raw score to a Prediction. The confidence is the winning
// class's probability mass as a percentage rounded to two decimals.
func Decide(rawScore float64) Prediction {
	rawScore = clamp01(rawScore)
	label, mass := LabelNormal, 1-rawScore
	if rawScore > DecisionThreshold {
		label, mass = LabelStone, rawScore
	}
	return Prediction{
		Label:      label,
		Confidence: math.Round(mass*100*100) / 100,
		RawScore:   rawScore,
	}
}

type Options struct {
	InputSize     int
	Layout        Layout
	OcclusionGrid int
	// MaxPixels caps the declared dimensions of an upload; see Decode.
	MaxPixels int
	// Random feeds the demo saliency map. Defaults to the package-level
	// math/rand/v2 source, which is safe for concurrent use.
	Random func() float64
}

// Classifier is the read-only inference context shared by all requests.
type Classifier struct {
	model     Model
	inputSize int
	layout    Layout
	grid      int
	maxPixels int
	random    func() float64
}

// New builds a Classifier. A nil model selects ModeDemoFallback.
func New(model Model, opts Options) *Classifier {
	if opts.InputSize <= 0 {
		opts.InputSize = 224
	}
	if opts.Layout == "" {
		opts.Layout = LayoutNHWC
	}
	if opts.OcclusionGrid <= 0 || opts.OcclusionGrid > opts.InputSize {
		opts.OcclusionGrid = 14
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = DefaultMaxPixels
	}
	if opts.Random == nil {
		opts.Random = rand.Float64
	}
	return &Classifier{
		model:     model,
		inputSize: opts.InputSize,
		layout:    opts.Layout,
		grid:      opts.OcclusionGrid,
		maxPixels: opts.MaxPixels,
		random:    opts.Random,
	}
}

func (c *Classifier) Mode() Mode {
	if c.model == nil {
		return ModeDemoFallback
	}
	return ModeRealModel
}

// ModelFingerprint identifies what produces scores: "demo" without a model,
// otherwise the artifact fingerprint. Cached scores are only valid for the
// fingerprint they were computed under.
func (c *Classifier) ModelFingerprint() string {
	if c.model == nil {
		return string(ModeDemoFallback)
	}
	if f, ok := c.model.(Fingerprinter); ok {
		if fp := f.Fingerprint(); fp != "" {
			return fp
		}
	}
	return UnversionedModel
}

// ModelLoaded reports whether a real model serves predictions.
func (c *Classifier) ModelLoaded() bool {
	return c.Mode() == ModeRealModel
}

// Predict decodes data and classifies it. Undecodable input yields ErrInvalidImage.
func (c *Classifier) Predict(ctx context.Context, data []byte) (*Prediction, error) {
	img, err := Decode(data, c.maxPixels)
	if err != nil {
		return nil, err
	}

	var score float64
	if c.model == nil {
		score = DemoScore(data)
	} else {
		score, err = c.model.Score(ctx, Preprocess(img, c.inputSize, c.layout))
		if err != nil {
			return nil, fmt.Errorf("model forward pass: %w", err)
		}
	}

	p := Decide(score)
	return &p, nil
}

// Explain decodes data and returns the decoded image with a saliency map in
// [0,1] at the model's input resolution.
func (c *Classifier) Explain(ctx context.Context, data []byte) (image.Image, *Saliency, error) {
	img, err := Decode(data, c.maxPixels)
	if err != nil {
		return nil, nil, err
	}

	if c.model == nil {
		return img, RandomSaliency(c.inputSize, c.random), nil
	}

	sal, err := OcclusionSaliency(ctx, c.model, Preprocess(img, c.inputSize, c.layout), c.grid)
	if err != nil {
		return nil, nil, fmt.Errorf("occlusion saliency: %w", err)
	}
	return img, sal, nil
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Package predictor runs the identification pipeline for one photo:
// region selection, preprocessing, embedding, matching and label decoding.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/menta2k/cover-identifier/internal/logger"
	"github.com/menta2k/cover-identifier/internal/metrics"
	"github.com/menta2k/cover-identifier/pkg/index"
	"github.com/menta2k/cover-identifier/pkg/label"
	"github.com/menta2k/cover-identifier/pkg/region"
	"github.com/menta2k/cover-identifier/pkg/types"
)

// ImageLoader decodes an image file
type ImageLoader interface {
	LoadImage(path string) (image.Image, error)
}

// Preparer converts a region of an image into a model input tensor
type Preparer interface {
	Prepare(img image.Image, box types.BoundingBox) (types.Tensor, error)
}

// Embedder converts a tensor into a unit-length embedding
type Embedder interface {
	Embed(ctx context.Context, t types.Tensor) ([]float64, error)
}

// Labels gives access to the raw catalog labels by index
type Labels interface {
	Label(i int) string
	Len() int
}

// Runtime is the process-wide, read-only state shared by all requests.
type Runtime struct {
	Loader   ImageLoader
	Selector region.Selector
	Preparer Preparer
	Embedder Embedder
	Index    index.Index
	Labels   Labels
}

func (rt Runtime) validate() error {
	switch {
	case rt.Loader == nil:
		return errors.New("runtime: image loader is required")
	case rt.Selector == nil:
		return errors.New("runtime: region selector is required")
	case rt.Preparer == nil:
		return errors.New("runtime: preprocessor is required")
	case rt.Embedder == nil:
		return errors.New("runtime: embedder is required")
	case rt.Index == nil:
		return errors.New("runtime: index is required")
	case rt.Labels == nil:
		return errors.New("runtime: labels are required")
	}
	return nil
}

// RegionHook observes the selected region of every request that gets that far.
type RegionHook func(ctx context.Context, img image.Image, box types.BoundingBox)

// Option configures a Predictor
type Option func(*Predictor)

// WithLogger sets the base logger. Loggers found in the request context win.
func WithLogger(l *zap.Logger) Option {
	return func(p *Predictor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics records stage durations and outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Predictor) { p.metrics = m }
}

// WithRegionHook registers a callback run after region selection
func WithRegionHook(h RegionHook) Option {
	return func(p *Predictor) { p.hook = h }
}

// Predictor is safe for concurrent use as long as its Embedder is.
type Predictor struct {
	rt      Runtime
	logger  *zap.Logger
	metrics *metrics.Metrics
	hook    RegionHook
}

// New creates a predictor over rt
func New(rt Runtime, opts ...Option) (*Predictor, error) {
	if err := rt.validate(); err != nil {
		return nil, err
	}
	p := &Predictor{rt: rt, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// request carries the data produced by each transition
type request struct {
	state  State
	img    image.Image
	rect   *types.BoundingBox
	box    types.BoundingBox
	tensor types.Tensor
	query  []float64
	match  index.Match
	parsed types.ParsedLabel
}

type transition struct {
	from     State
	to       State
	stage    string
	fallback types.ErrorKind
	run      func(p *Predictor, ctx context.Context, r *request) error
}

var transitions = []transition{
	{StateLoaded, StateRegionSelected, "select", types.KindInferenceError, (*Predictor).selectRegion},
	{StateRegionSelected, StatePreprocessed, "preprocess", types.KindInvalidRegion, (*Predictor).preprocess},
	{StatePreprocessed, StateEmbedded, "embed", types.KindInferenceError, (*Predictor).embed},
	{StateEmbedded, StateMatched, "match", types.KindInferenceError, (*Predictor).match},
	{StateMatched, StateDecoded, "decode", types.KindMalformedLabel, (*Predictor).decode},
}

func transitionFrom(s State) (transition, bool) {
	for _, t := range transitions {
		if t.from == s {
			return t, true
		}
	}
	return transition{}, false
}

// Identify loads the image at path and identifies the album on it. rect may
// be nil; see region.Selector for its meaning.
func (p *Predictor) Identify(ctx context.Context, path string, rect *types.BoundingBox) types.Outcome {
	ctx, log := p.requestContext(ctx, zap.String("path", path))

	start := time.Now()
	img, err := p.rt.Loader.LoadImage(path)
	p.metrics.ObserveStage("load", start)
	if err != nil {
		return p.fail(log, "load", err, types.KindImageUnreadable)
	}
	return p.run(ctx, log, img, rect)
}

// IdentifyImage identifies an already decoded image
func (p *Predictor) IdentifyImage(ctx context.Context, img image.Image, rect *types.BoundingBox) types.Outcome {
	ctx, log := p.requestContext(ctx)
	if img == nil {
		return p.fail(log, "load", types.Errorf(types.KindImageUnreadable, "no image"), types.KindImageUnreadable)
	}
	return p.run(ctx, log, img, rect)
}

func (p *Predictor) requestContext(ctx context.Context, fields ...zap.Field) (context.Context, *zap.Logger) {
	base := logger.FromContext(ctx)
	// A logger that drops even fatal entries is the Nop fallback.
	if !base.Core().Enabled(zap.FatalLevel) {
		base = p.logger
	}
	log := base.With(append([]zap.Field{zap.String("request_id", uuid.NewString())}, fields...)...)
	return logger.ContextWithLogger(ctx, log), log
}

func (p *Predictor) run(ctx context.Context, log *zap.Logger, img image.Image, rect *types.BoundingBox) types.Outcome {
	r := &request{state: StateLoaded, img: img, rect: rect}

	for !r.state.Terminal() {
		t, ok := transitionFrom(r.state)
		if !ok {
			return p.fail(log, r.state.String(), fmt.Errorf("no transition out of state %s", r.state), types.KindInferenceError)
		}
		start := time.Now()
		err := t.run(p, ctx, r)
		p.metrics.ObserveStage(t.stage, start)
		if err != nil {
			r.state = StateFailed
			return p.fail(log, t.stage, err, t.fallback)
		}
		r.state = t.to
		log.Debug("stage complete", zap.String("stage", t.stage), zap.Stringer("state", r.state), zap.Duration("took", time.Since(start)))
	}

	result := types.MatchResult{
		Album:    r.parsed.Album,
		Artist:   r.parsed.Artist,
		Score:    r.match.Score,
		Index:    r.match.Index,
		RawLabel: p.rt.Labels.Label(r.match.Index),
		Region:   r.box,
	}
	p.metrics.IncOutcome("success")
	log.Info("album identified",
		zap.String("album", result.Album),
		zap.String("artist", result.Artist),
		zap.Float64("score", result.Score),
		zap.Int("index", result.Index),
	)
	return types.Success(result)
}

func (p *Predictor) fail(log *zap.Logger, stage string, err error, fallback types.ErrorKind) types.Outcome {
	out := types.FailFromError(err, fallback)
	p.metrics.IncOutcome(string(out.Failure.Kind))
	log.Info("identification failed",
		zap.String("stage", stage),
		zap.String("kind", string(out.Failure.Kind)),
		zap.Error(err),
	)
	return out
}

func (p *Predictor) selectRegion(ctx context.Context, r *request) error {
	box, err := p.rt.Selector.Select(ctx, r.img, r.rect)
	if err != nil {
		return err
	}
	r.box = box
	if p.hook != nil {
		p.hook(ctx, r.img, box)
	}
	return nil
}

func (p *Predictor) preprocess(_ context.Context, r *request) error {
	t, err := p.rt.Preparer.Prepare(r.img, r.box)
	if err != nil {
		return err
	}
	r.tensor = t
	return nil
}

func (p *Predictor) embed(ctx context.Context, r *request) error {
	q, err := p.rt.Embedder.Embed(ctx, r.tensor)
	if err != nil {
		return err
	}
	r.query = q
	return nil
}

func (p *Predictor) match(ctx context.Context, r *request) error {
	m, err := p.rt.Index.BestMatch(ctx, r.query)
	if err != nil {
		return err
	}
	if m.Index < 0 || m.Index >= p.rt.Labels.Len() {
		return types.Errorf(types.KindInferenceError, "index returned position %d outside catalog of %d", m.Index, p.rt.Labels.Len())
	}
	r.match = m
	return nil
}

func (p *Predictor) decode(_ context.Context, r *request) error {
	parsed, err := label.Decode(p.rt.Labels.Label(r.match.Index))
	if err != nil {
		return err
	}
	r.parsed = parsed
	return nil
}

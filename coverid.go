// Package coverid identifies music albums from photographs of their covers.
//
// An Identifier wires the pipeline described by a Config: a region selector
// (a caller supplied rectangle or a cover detector), the preprocessor, a pool
// of feature extractor engines optionally fronted by a Redis cache, and a
// catalog of reference embeddings read from NumPy files, SQLite or Postgres.
//
// Basic usage:
//
//	cfg, err := coverid.LoadConfig("coverid.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	id, err := coverid.New(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer id.Close()
//
//	// nil selects the whole photo; pass a rectangle to restrict the search
//	out := id.Identify(ctx, "photo.jpg", nil)
//	enc := json.NewEncoder(os.Stdout)
//	enc.SetEscapeHTML(false) // keep "&" and "<" in labels and messages as is
//	enc.Encode(out) // {"album":"Abbey Road","artist":"The Beatles"}
//
// Every failure is reported through the returned Outcome, never as a panic.
package coverid

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/cover-identifier/internal/cache"
	"github.com/menta2k/cover-identifier/internal/config"
	"github.com/menta2k/cover-identifier/internal/logger"
	"github.com/menta2k/cover-identifier/internal/metrics"
	"github.com/menta2k/cover-identifier/internal/store"
	"github.com/menta2k/cover-identifier/internal/utils"
	"github.com/menta2k/cover-identifier/internal/worker"
	"github.com/menta2k/cover-identifier/pkg/analyzer"
	"github.com/menta2k/cover-identifier/pkg/catalog"
	"github.com/menta2k/cover-identifier/pkg/client"
	"github.com/menta2k/cover-identifier/pkg/detection"
	"github.com/menta2k/cover-identifier/pkg/dnn"
	"github.com/menta2k/cover-identifier/pkg/embedding"
	"github.com/menta2k/cover-identifier/pkg/index"
	"github.com/menta2k/cover-identifier/pkg/llamacpp"
	"github.com/menta2k/cover-identifier/pkg/ollama"
	"github.com/menta2k/cover-identifier/pkg/predictor"
	"github.com/menta2k/cover-identifier/pkg/processing"
	"github.com/menta2k/cover-identifier/pkg/region"
	"github.com/menta2k/cover-identifier/pkg/types"
	"github.com/menta2k/cover-identifier/pkg/vision"
)

// Version of the cover identifier
const Version = "1.0.0"

// Config is the full pipeline configuration
type Config = config.Config

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config { return config.Default() }

// LoadConfig reads a JSON, YAML or TOML configuration file
func LoadConfig(path string) (*Config, error) { return config.LoadFromFile(path) }

// Option configures an Identifier
type Option func(*options)

type options struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// WithLogger sets the logger used while building and running the pipeline
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records pipeline metrics into m
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Identifier is the process-wide pipeline. It is safe for concurrent use.
type Identifier struct {
	cfg       *Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	processor *processing.Processor
	catalog   *catalog.Catalog
	predictor *predictor.Predictor
	closers   []func() error
}

// New builds every component named by cfg. Resources acquired before a
// failure are released.
func New(ctx context.Context, cfg *Config, opts ...Option) (id *Identifier, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	id = newIdentifier(cfg, opts)
	defer func() {
		if err != nil {
			_ = id.Close()
			id = nil
		}
	}()

	start := time.Now()
	cat, idx, err := id.openCatalog(ctx)
	if err != nil {
		return nil, err
	}
	id.catalog = cat
	id.metrics.SetCatalogEntries(cat.Len())

	dim := cfg.Embedding.Dim
	if cat.Len() > 0 {
		if dim > 0 && dim != cat.Dim() {
			return nil, fmt.Errorf("catalog %s has dimension %d but embedding.dim is %d", cat.Source(), cat.Dim(), dim)
		}
		dim = cat.Dim()
	}

	selector, err := id.buildSelector()
	if err != nil {
		return nil, err
	}
	engine, err := id.buildEngine(ctx)
	if err != nil {
		return nil, err
	}

	loader := analyzer.NewWithConfig(analyzer.Config{
		SupportedFormats:  cfg.Image.SupportedFormats,
		MinImageSize:      cfg.Image.MinImageSize,
		DarknessThreshold: cfg.Region.DarknessThreshold,
	})
	rt := predictor.Runtime{
		Loader:   loader,
		Selector: selector,
		Preparer: id.processor,
		Embedder: embedding.NewExtractor(engine, dim),
		Index:    idx,
		Labels:   cat,
	}
	if err := id.initPredictor(rt); err != nil {
		return nil, err
	}

	id.logger.Info("identifier ready",
		zap.String("catalog", cat.Source()),
		zap.Int("entries", cat.Len()),
		zap.Int("dim", dim),
		zap.String("region", cfg.Region.Strategy),
		zap.String("engine", cfg.Embedding.Engine),
		zap.Bool("cache", cfg.Embedding.Cache.Enabled()),
		zap.Duration("took", time.Since(start)),
	)
	return id, nil
}

// NewWithRuntime wraps already constructed components. The Identifier does
// not take ownership of anything in rt.
func NewWithRuntime(cfg *Config, rt predictor.Runtime, opts ...Option) (*Identifier, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	id := newIdentifier(cfg, opts)
	if err := id.initPredictor(rt); err != nil {
		return nil, err
	}
	return id, nil
}

func newIdentifier(cfg *Config, opts []Option) *Identifier {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return &Identifier{
		cfg:       cfg,
		logger:    o.logger,
		metrics:   o.metrics,
		processor: processing.NewProcessorWithConfig(processing.Config{InputSize: cfg.Preprocess.InputSize}),
	}
}

func (id *Identifier) initPredictor(rt predictor.Runtime) error {
	popts := []predictor.Option{
		predictor.WithLogger(id.logger),
		predictor.WithMetrics(id.metrics),
	}
	if id.cfg.Output.CropDir != "" {
		if err := utils.EnsureDir(id.cfg.Output.CropDir); err != nil {
			return fmt.Errorf("failed to create crop directory: %w", err)
		}
		popts = append(popts, predictor.WithRegionHook(id.saveCrop))
	}

	p, err := predictor.New(rt, popts...)
	if err != nil {
		return err
	}
	id.predictor = p
	return nil
}

// Identify identifies the album on the image at path. rect may be nil, in
// which case the configured region strategy decides.
func (id *Identifier) Identify(ctx context.Context, path string, rect *types.BoundingBox) types.Outcome {
	return id.predictor.Identify(context.WithValue(ctx, sourcePathKey{}, path), path, rect)
}

// IdentifyImage identifies the album on an already decoded image
func (id *Identifier) IdentifyImage(ctx context.Context, img image.Image, rect *types.BoundingBox) types.Outcome {
	return id.predictor.IdentifyImage(ctx, img, rect)
}

// Catalog returns the loaded catalog, or nil for identifiers built with
// NewWithRuntime.
func (id *Identifier) Catalog() *catalog.Catalog { return id.catalog }

// Config returns the configuration the identifier was built with
func (id *Identifier) Config() *Config { return id.cfg }

// Close releases engines, worker processes and connections in reverse
// order of acquisition.
func (id *Identifier) Close() error {
	var errs []error
	for i := len(id.closers) - 1; i >= 0; i-- {
		if err := id.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	id.closers = nil
	return errors.Join(errs...)
}

func (id *Identifier) onClose(fn func() error) {
	id.closers = append(id.closers, fn)
}

// LoadCatalog reads the catalog named by cfg without building the rest of
// the pipeline.
func LoadCatalog(ctx context.Context, cfg *Config) (*catalog.Catalog, error) {
	c := cfg.Catalog
	switch c.Format {
	case "npy":
		return catalog.LoadNPY(c.Embeddings, c.Labels)
	case "sqlite":
		return catalog.LoadSQLite(ctx, c.Path, c.Table)
	case "postgres":
		s, err := store.New(ctx, c.DSN, c.Table)
		if err != nil {
			return nil, err
		}
		defer s.Close()
		return s.LoadCatalog(ctx)
	}
	return nil, fmt.Errorf("unsupported catalog format %q", c.Format)
}

func (id *Identifier) openCatalog(ctx context.Context) (*catalog.Catalog, index.Index, error) {
	c := id.cfg.Catalog
	if c.Format != "postgres" || !c.SQLIndex {
		cat, err := LoadCatalog(ctx, id.cfg)
		if err != nil {
			return nil, nil, err
		}
		return cat, index.NewLinear(cat), nil
	}

	// The store stays open to answer queries.
	s, err := store.New(ctx, c.DSN, c.Table)
	if err != nil {
		return nil, nil, err
	}
	id.onClose(func() error { s.Close(); return nil })

	cat, err := s.LoadCatalog(ctx)
	if err != nil {
		return nil, nil, err
	}
	idx, err := s.Index(ctx)
	if err != nil {
		return nil, nil, err
	}
	if idx.Len() != cat.Len() {
		return nil, nil, fmt.Errorf("catalog table %s changed while loading", s.Table())
	}
	return cat, idx, nil
}

func (id *Identifier) buildSelector() (region.Selector, error) {
	rcfg := region.Config{
		DarknessThreshold:  id.cfg.Region.DarknessThreshold,
		WholeImagePrecheck: id.cfg.Region.WholeImagePrecheck,
	}
	if id.cfg.Region.Strategy == "manual" {
		return region.NewManualWithConfig(rcfg), nil
	}

	det, err := id.buildDetector()
	if err != nil {
		return nil, err
	}
	return region.NewDetector(det, rcfg), nil
}

// Description is what DescribePhoto learned about a photo
type Description struct {
	Image  analyzer.ImageInfo
	Answer string
}

// DescribePhoto asks the configured vision model to describe the photo at
// path in plain words. An answer unrelated to the photo usually means the
// model or server ignores image input. Only the ollama and llamacpp
// detector backends can describe photos.
func DescribePhoto(ctx context.Context, cfg *Config, path string, opts ...Option) (Description, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.ValidateDetector(); err != nil {
		return Description{}, fmt.Errorf("invalid config: %w", err)
	}

	id := newIdentifier(cfg, opts)
	defer id.Close()

	det, err := id.buildDetector()
	if err != nil {
		return Description{}, err
	}
	vd, ok := det.(*detection.VisionDetector)
	if !ok {
		return Description{}, fmt.Errorf("detector backend %q cannot describe photos; use ollama or llamacpp", cfg.Detector.Backend)
	}

	loader := analyzer.NewWithConfig(analyzer.Config{
		SupportedFormats: cfg.Image.SupportedFormats,
		MinImageSize:     cfg.Image.MinImageSize,
	})
	img, err := loader.LoadImage(path)
	if err != nil {
		return Description{}, err
	}
	res := Description{Image: loader.GetImageInfo(img)}
	id.logger.Debug("asking vision model for a description",
		zap.String("backend", cfg.Detector.Backend),
		zap.String("model", cfg.Detector.Model),
		zap.Stringer("image", res.Image),
	)

	res.Answer, err = vd.Describe(ctx, img)
	if err != nil {
		return Description{}, types.NewError(types.KindInferenceError, "vision model description failed", err)
	}
	return res, nil
}

func (id *Identifier) buildDetector() (detection.Detector, error) {
	d := id.cfg.Detector
	switch d.Backend {
	case "ollama", "llamacpp":
		var (
			vc  client.VisionClient
			err error
		)
		if d.Backend == "ollama" {
			vc, err = ollama.NewClient(d.URL)
		} else {
			vc, err = llamacpp.NewClient(d.URL)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create %s client: %w", d.Backend, err)
		}
		return detection.NewVisionDetector(vc, detection.VisionConfig{
			Model:         d.Model,
			Prompt:        d.Prompt,
			MaxDim:        d.MaxDim,
			Quality:       d.Quality,
			MinConfidence: d.MinConfidence,
		}), nil

	case "onnx":
		y, err := dnn.NewYOLODetector(dnn.YOLOConfig{
			ModelPath:           d.ModelPath,
			InputSize:           d.InputSize,
			ConfidenceThreshold: float32(d.ConfidenceThreshold),
			NMSThreshold:        float32(d.NMSThreshold),
			ClassIDs:            d.ClassIDs,
			ClassNames:          d.ClassNames,
		})
		if err != nil {
			return nil, err
		}
		id.onClose(y.Close)
		return y, nil

	case "saliency":
		s := d.Saliency
		return vision.NewWithConfig(vision.DetectionConfig{
			EdgeThreshold:   s.EdgeThreshold,
			ContrastWeight:  s.ContrastWeight,
			ColorWeight:     s.ColorWeight,
			MinSubjectRatio: s.MinSubjectRatio,
			WorkingSize:     s.WorkingSize,
		}), nil
	}
	return nil, fmt.Errorf("unsupported detector backend %q", d.Backend)
}

func (id *Identifier) buildEngine(ctx context.Context) (embedding.Engine, error) {
	e := id.cfg.Embedding

	var newEngine func(i int) (embedding.Engine, error)
	switch e.Engine {
	case "onnx":
		newEngine = func(int) (embedding.Engine, error) {
			return dnn.NewEmbeddingNet(dnn.EmbeddingConfig{
				ModelPath:  e.ModelPath,
				ConfigPath: e.ConfigPath,
				Layout:     dnn.Layout(e.Layout),
				InputName:  e.InputName,
				OutputName: e.OutputName,
			})
		}
	case "worker":
		newEngine = func(i int) (embedding.Engine, error) {
			return worker.Start(i, worker.Config{
				Command: e.Worker.Command,
				Args:    e.Worker.Args,
				Timeout: time.Duration(e.Worker.TimeoutSec) * time.Second,
			})
		}
	default:
		return nil, fmt.Errorf("unsupported embedding engine %q", e.Engine)
	}

	pool, err := embedding.NewPoolFunc(e.PoolSize, newEngine)
	if err != nil {
		return nil, err
	}
	id.onClose(pool.Close)

	if !e.Cache.Enabled() {
		return pool, nil
	}

	st, err := cache.NewStore(cache.Config{Addrs: e.Cache.Addrs, Password: e.Cache.Password})
	if err != nil {
		return nil, err
	}
	if err := st.Ping(ctx); err != nil {
		id.logger.Warn("embedding cache unavailable, continuing without it", zap.Error(err))
		st.Close()
		return pool, nil
	}
	id.onClose(func() error { st.Close(); return nil })

	return cache.New(pool, st, cache.Options{
		Namespace: id.cacheNamespace(),
		KeyPrefix: e.Cache.KeyPrefix,
		TTL:       time.Duration(e.Cache.TTLSec) * time.Second,
		Metrics:   id.metrics,
		Logger:    id.logger,
	}), nil
}

// cacheNamespace changes whenever cached vectors would stop being valid.
func (id *Identifier) cacheNamespace() string {
	e := id.cfg.Embedding
	model := e.ModelPath
	if e.Engine == "worker" {
		model = strings.Join(append([]string{e.Worker.Command}, e.Worker.Args...), " ")
	}
	return strings.Join([]string{
		e.Engine,
		filepath.Base(model),
		processing.NormalizationVersion,
		strconv.Itoa(id.cfg.Preprocess.InputSize),
	}, "|")
}

type sourcePathKey struct{}

func (id *Identifier) saveCrop(ctx context.Context, img image.Image, box types.BoundingBox) {
	log := logger.FromContext(ctx)

	src, _ := ctx.Value(sourcePathKey{}).(string)
	if src == "" {
		src = "image"
	}
	out := id.cfg.Output
	path := utils.CropFilename(src, out.CropDir, out.Suffix, out.CropFormat)

	crop, err := id.processor.CropRegion(img, box)
	if err != nil {
		log.Warn("failed to crop region for debug output", zap.Error(err))
		return
	}
	if err := id.processor.SaveImage(crop, path, out.CropFormat, out.CropQuality, false); err != nil {
		log.Warn("failed to save crop", zap.String("path", path), zap.Error(err))
		return
	}
	log.Debug("saved crop", zap.String("path", path), zap.Stringer("region", box))

	if !out.Overlay {
		return
	}
	path = utils.CropFilename(src, out.CropDir, out.Suffix+"_overlay", out.CropFormat)
	if err := id.processor.SaveImage(id.processor.CreateDebugOverlay(img, box), path, out.CropFormat, out.CropQuality, false); err != nil {
		log.Warn("failed to save overlay", zap.String("path", path), zap.Error(err))
		return
	}
	log.Debug("saved overlay", zap.String("path", path))
}

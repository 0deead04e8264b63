package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/cover-identifier/internal/metrics"
	"github.com/menta2k/cover-identifier/pkg/embedding"
	"github.com/menta2k/cover-identifier/pkg/types"
)

// store is the consumer interface for the embedding cache.
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Options configures a CachedEngine.
type Options struct {
	// Namespace is mixed into every key. Use something that changes with
	// the model and the preprocessing, such as the model file name.
	Namespace string
	KeyPrefix string
	TTL       time.Duration
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// CachedEngine caches raw engine outputs keyed by the input tensor.
type CachedEngine struct {
	inner  embedding.Engine
	store  store
	opts   Options
	logger *zap.Logger
}

var _ embedding.Engine = (*CachedEngine)(nil)

// New creates a caching decorator around inner.
func New(inner embedding.Engine, s store, opts Options) *CachedEngine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &CachedEngine{inner: inner, store: s, opts: opts, logger: log}
}

// Infer returns a cached vector or calls the inner engine. Cache failures
// are logged and never fail the request.
func (c *CachedEngine) Infer(ctx context.Context, t types.Tensor) ([]float32, error) {
	key := c.cacheKey(t)

	if vec, ok := c.getFromCache(ctx, key); ok {
		c.opts.Metrics.IncCache("hit")
		return vec, nil
	}
	c.opts.Metrics.IncCache("miss")

	vec, err := c.inner.Infer(ctx, t)
	if err != nil {
		return nil, err
	}

	c.putToCache(ctx, key, vec)
	return vec, nil
}

// Close closes the inner engine. The store is owned by the caller.
func (c *CachedEngine) Close() error {
	return c.inner.Close()
}

func (c *CachedEngine) cacheKey(t types.Tensor) string {
	h := sha256.New()
	h.Write([]byte(c.opts.Namespace))
	h.Write([]byte{0})
	var dim [4]byte
	for _, d := range t.Shape {
		binary.LittleEndian.PutUint32(dim[:], uint32(d))
		h.Write(dim[:])
	}
	h.Write(vectorToCacheBytes(t.Data))
	return c.opts.KeyPrefix + hex.EncodeToString(h.Sum(nil))
}

func (c *CachedEngine) getFromCache(ctx context.Context, key string) ([]float32, bool) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			c.opts.Metrics.IncCache("error")
			c.logger.Warn("Failed to get cached embedding", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	if len(data) == 0 {
		return nil, false
	}

	vec, err := bytesToVector(data)
	if err != nil {
		c.opts.Metrics.IncCache("error")
		c.logger.Warn("Failed to parse cached embedding", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return vec, true
}

func (c *CachedEngine) putToCache(ctx context.Context, key string, vec []float32) {
	if err := c.store.SetWithTTL(ctx, key, vectorToCacheBytes(vec), c.opts.TTL); err != nil {
		c.opts.Metrics.IncCache("error")
		c.logger.Warn("Failed to cache embedding", zap.String("key", key), zap.Error(err))
	}
}

func vectorToCacheBytes(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding cache data: len=%d (not multiple of 4)", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}

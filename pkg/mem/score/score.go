// Package score maps raw index scores onto a 0..1 relevance scale where
// higher always means more similar.
package score

import (
	"context"
	"fmt"
	"math"

	"github.com/lexlapax/memfact/pkg/errors"
	"github.com/lexlapax/memfact/pkg/log"
	"github.com/lexlapax/memfact/pkg/mem/index"
	"github.com/lexlapax/memfact/pkg/scripting"
)

// ScriptFunction is the Lua function a script mapping must define.
const ScriptFunction = "normalize_score"

// Mapping names a normalization strategy.
type Mapping string

const (
	Auto     Mapping = "auto"
	Cosine   Mapping = "cosine"
	Unit     Mapping = "unit"
	Distance Mapping = "distance"
	Script   Mapping = "script"
)

// Normalizer converts a raw score reported under metric into [0, 1].
type Normalizer interface {
	Normalize(ctx context.Context, raw float64, metric index.Metric) (float64, error)
}

// Func adapts a plain function to Normalizer.
type Func func(raw float64, metric index.Metric) float64

// Normalize implements Normalizer.
func (f Func) Normalize(_ context.Context, raw float64, metric index.Metric) (float64, error) {
	return Clamp(f(raw, metric)), nil
}

// New returns the built-in normalizer for mapping. Script mappings need
// NewScripted instead.
func New(mapping Mapping) (Normalizer, error) {
	switch mapping {
	case Auto, "":
		return Func(AutoScore), nil
	case Cosine:
		return Func(func(raw float64, _ index.Metric) float64 { return CosineScore(raw) }), nil
	case Unit:
		return Func(func(raw float64, _ index.Metric) float64 { return raw }), nil
	case Distance:
		return Func(func(raw float64, _ index.Metric) float64 { return DistanceScore(raw) }), nil
	case Script:
		return nil, errors.NewConfigurationError("scoring.mapping", "script mapping requires a script engine", nil)
	default:
		return nil, errors.NewConfigurationError("scoring.mapping", fmt.Sprintf("unknown mapping %q", mapping), nil)
	}
}

// AutoScore picks the mapping matching the metric the index reports.
func AutoScore(raw float64, metric index.Metric) float64 {
	switch metric {
	case index.CosineSimilarity:
		return CosineScore(raw)
	case index.CosineDistance:
		return CosineScore(1 - raw)
	case index.NegativeInnerProduct:
		return CosineScore(-raw)
	case index.EuclideanDistance:
		return DistanceScore(raw)
	default:
		return raw
	}
}

// CosineScore maps a similarity in [-1, 1] to (s+1)/2.
func CosineScore(similarity float64) float64 {
	return (similarity + 1) / 2
}

// DistanceScore maps a non-negative distance to 1/(1+d).
func DistanceScore(d float64) float64 {
	if d < 0 {
		d = 0
	}
	return 1 / (1 + d)
}

// Clamp bounds v to [0, 1]. NaN maps to 0.
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Scripted delegates to a Lua normalize_score(raw, metric) function.
type Scripted struct {
	engine   scripting.Engine
	fallback Normalizer
}

// NewScripted wraps engine, which must already define normalize_score.
// Script failures are logged and fall back to the auto mapping.
func NewScripted(engine scripting.Engine) (*Scripted, error) {
	if engine == nil || !engine.HasFunction(ScriptFunction) {
		return nil, errors.NewConfigurationError("scoring.script", "script must define "+ScriptFunction+"(raw, metric)", nil)
	}
	return &Scripted{engine: engine, fallback: Func(AutoScore)}, nil
}

// Normalize implements Normalizer.
func (s *Scripted) Normalize(ctx context.Context, raw float64, metric index.Metric) (float64, error) {
	result, err := s.engine.ExecuteFunction(ctx, ScriptFunction, raw, string(metric))
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		log.WarnContext(ctx, "Score script failed, using auto mapping", "error", err)
		return s.fallback.Normalize(ctx, raw, metric)
	}

	v, ok := result.(float64)
	if !ok {
		log.WarnContext(ctx, "Score script returned a non-number, using auto mapping", "type", fmt.Sprintf("%T", result))
		return s.fallback.Normalize(ctx, raw, metric)
	}
	return Clamp(v), nil
}

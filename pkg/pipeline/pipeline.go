// Package pipeline runs the full raster-to-geometry flow: an input
// plane is cut into tiles, each tile is smoothed, thresholded, cleaned
// up and traced by a pool of workers, and the resulting fragments are
// dissolved back into whole calibrated polygons.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/ctessum/geom"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"histotrace/internal/models"
	"histotrace/pkg/features"
	"histotrace/pkg/label"
	"histotrace/pkg/merge"
	"histotrace/pkg/morph"
	"histotrace/pkg/raster"
	"histotrace/pkg/trace"
)

// Params holds the settings for a pipeline run.
type Params struct {
	// TileSize is the side length of the processing tiles in pixels.
	TileSize int

	// Overlap is the number of pixels adjacent tiles share. Overlapping
	// fragments dissolve in the merge stage like seam-straddling ones.
	Overlap int

	// Parallelism is the number of tile workers. Zero or less uses one
	// worker per CPU.
	Parallelism int

	// ThresholdLow and ThresholdHigh bound the foreground value range,
	// inclusive on both ends.
	ThresholdLow, ThresholdHigh float32

	// SmoothSigma applies Gaussian smoothing before thresholding when
	// positive. Tiles are smoothed with enough margin that the result
	// has no seams.
	SmoothSigma float64

	// CleanupRadius applies a binary opening by reconstruction to each
	// tile mask when positive, removing structures thinner than the
	// radius without rounding the survivors.
	CleanupRadius float64

	// MinObjectPixels removes connected components smaller than this
	// many pixels before tracing. Zero keeps everything.
	MinObjectPixels int

	// Connectivity is used when removing small components. Unset
	// defaults to 4-connectivity, matching the tracer; values other
	// than 4 and 8 are rejected.
	Connectivity label.Connectivity

	// MinArea and MinHoleArea are the calibrated size rules applied
	// after merging, in physical units. Zero disables a rule.
	MinArea, MinHoleArea float64

	// Calibration maps pixel coordinates into geometry space.
	Calibration raster.PixelCalibration

	// Progress, when set, is called after each finished tile.
	Progress func(completed, total int)
}

// DefaultParams returns settings that trace everything at or above
// 0.5 on an uncalibrated plane.
func DefaultParams() Params {
	return Params{
		TileSize:      512,
		Parallelism:   runtime.NumCPU(),
		ThresholdLow:  0.5,
		ThresholdHigh: float32(math.Inf(1)),
		Connectivity:  label.Conn4,
		Calibration:   raster.DefaultCalibration(),
	}
}

func (p *Params) normalize() error {
	if p.TileSize <= 0 {
		p.TileSize = 512
	}
	if p.Overlap < 0 || p.Overlap >= p.TileSize {
		p.Overlap = 0
	}
	if p.Parallelism <= 0 {
		p.Parallelism = runtime.NumCPU()
	}
	switch p.Connectivity {
	case 0:
		p.Connectivity = label.Conn4
	case label.Conn4, label.Conn8:
	default:
		return fmt.Errorf("pipeline: unsupported connectivity %d", p.Connectivity)
	}
	if p.ThresholdHigh < p.ThresholdLow {
		return fmt.Errorf("pipeline: threshold range [%v, %v] is empty", p.ThresholdLow, p.ThresholdHigh)
	}
	if p.Calibration.Downsample == 0 {
		p.Calibration = raster.DefaultCalibration()
	}
	return nil
}

// Result is the outcome of a single-class run.
type Result struct {
	// RunID identifies the run in logs.
	RunID string

	// Polygons are the traced objects in calibrated geometry space.
	Polygons []geom.Polygon

	// Tiles is the number of tiles processed.
	Tiles int

	// Elapsed is the wall time of the run.
	Elapsed time.Duration
}

// ClassResult is the outcome of a multi-class run, with traced
// polygons grouped by class label.
type ClassResult struct {
	RunID   string
	Objects map[uint32][]geom.Polygon
	Tiles   int
	Elapsed time.Duration
}

// Pipeline owns the engines shared by all workers of its runs. Create
// one with NewPipeline and reuse it across runs; it is safe for
// concurrent use.
type Pipeline struct {
	params Params
	proc   *morph.Processor
	eng    *features.Engine
	tracer *trace.Tracer
	merger *merge.Merger
	log    zerolog.Logger
}

// NewPipeline builds a pipeline for the given settings.
func NewPipeline(params Params) (*Pipeline, error) {
	if err := params.normalize(); err != nil {
		return nil, err
	}
	merger := merge.NewMerger(params.Calibration)
	merger.MinArea = params.MinArea
	merger.MinHoleArea = params.MinHoleArea
	if params.Overlap > 0 {
		merger.EdgeMargin = float64(params.Overlap) * params.Calibration.Downsample
	}
	return &Pipeline{
		params: params,
		proc:   morph.NewProcessor(),
		eng:    features.NewEngine(),
		tracer: trace.NewTracer(),
		merger: merger,
		log:    zerolog.Nop(),
	}, nil
}

// SetLogger replaces the pipeline's logger and rewires the component
// loggers underneath it.
func (p *Pipeline) SetLogger(l zerolog.Logger) {
	p.log = l
	p.proc.SetLogger(l.With().Str("component", "morph").Logger())
	p.eng.SetLogger(l.With().Str("component", "features").Logger())
	p.tracer.SetLogger(l.With().Str("component", "trace").Logger())
	p.merger.SetLogger(l.With().Str("component", "merge").Logger())
}

// Engine exposes the feature engine so callers can compute feature
// maps with the same kernel cache the runs use.
func (p *Pipeline) Engine() *features.Engine {
	return p.eng
}

// labeledFrag ties a traced fragment to its class label. Single-class
// runs use label zero throughout.
type labeledFrag struct {
	label uint32
	frag  merge.Fragment
}

// Run thresholds and traces a single plane, returning the merged
// polygons in calibrated geometry space.
func (p *Pipeline) Run(ctx context.Context, src *raster.Raster) (*Result, error) {
	start := time.Now()
	if src == nil || src.W == 0 || src.H == 0 {
		return nil, fmt.Errorf("pipeline: empty input raster")
	}

	runID := uuid.New().String()
	log := p.log.With().Str("run", runID).Logger()
	tiles := TileGrid(src.W, src.H, p.params.TileSize, p.params.Overlap)
	log.Info().
		Int("width", src.W).
		Int("height", src.H).
		Int("tiles", len(tiles)).
		Msg("starting run")

	perTile, err := p.traceTiles(ctx, tiles, func(ctx context.Context, tile models.Tile) ([]labeledFrag, error) {
		return p.processTile(ctx, src, tile, log)
	})
	if err != nil {
		return nil, err
	}

	var frags []merge.Fragment
	for _, tf := range perTile {
		for _, lf := range tf {
			frags = append(frags, lf.frag)
		}
	}
	log.Debug().
		Str("stage", models.StageMerge.String()).
		Int("fragments", len(frags)).
		Msg("dissolving tile fragments")
	polys := p.merger.Merge(frags)

	elapsed := time.Since(start)
	log.Info().
		Int("objects", len(polys)).
		Dur("elapsed", elapsed).
		Msg("run complete")
	return &Result{RunID: runID, Polygons: polys, Tiles: len(tiles), Elapsed: elapsed}, nil
}

// RunClasses traces the argmax classification of several class score
// planes, returning merged polygons per class label. All planes must
// share one size. background, when non-negative, names a plane whose
// wins produce no objects.
func (p *Pipeline) RunClasses(ctx context.Context, classes []*raster.Raster, background int) (*ClassResult, error) {
	start := time.Now()
	if len(classes) == 0 {
		return nil, fmt.Errorf("pipeline: no class planes")
	}
	w, h := classes[0].W, classes[0].H

	runID := uuid.New().String()
	log := p.log.With().Str("run", runID).Logger()
	tiles := TileGrid(w, h, p.params.TileSize, p.params.Overlap)
	log.Info().
		Int("width", w).
		Int("height", h).
		Int("classes", len(classes)).
		Int("tiles", len(tiles)).
		Msg("starting multi-class run")

	perTile, err := p.traceTiles(ctx, tiles, func(ctx context.Context, tile models.Tile) ([]labeledFrag, error) {
		return p.processClassTile(ctx, classes, background, tile)
	})
	if err != nil {
		return nil, err
	}

	byLabel := make(map[uint32][]merge.Fragment)
	for _, tf := range perTile {
		for _, lf := range tf {
			byLabel[lf.label] = append(byLabel[lf.label], lf.frag)
		}
	}
	labels := make([]uint32, 0, len(byLabel))
	for l := range byLabel {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })

	objects := make(map[uint32][]geom.Polygon, len(labels))
	total := 0
	for _, l := range labels {
		objects[l] = p.merger.Merge(byLabel[l])
		total += len(objects[l])
	}

	elapsed := time.Since(start)
	log.Info().
		Int("objects", total).
		Int("labels", len(labels)).
		Dur("elapsed", elapsed).
		Msg("multi-class run complete")
	return &ClassResult{RunID: runID, Objects: objects, Tiles: len(tiles), Elapsed: elapsed}, nil
}

// traceTiles fans the tiles out to a worker pool and collects each
// tile's fragments in tile order. The first tile error cancels the
// remaining work.
func (p *Pipeline) traceTiles(ctx context.Context, tiles []models.Tile, process func(context.Context, models.Tile) ([]labeledFrag, error)) ([][]labeledFrag, error) {
	type tileResult struct {
		index int
		frags []labeledFrag
		err   error
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan models.Tile)
	results := make(chan tileResult)

	var wg sync.WaitGroup
	for i := 0; i < p.params.Parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tile := range jobs {
				frags, err := process(runCtx, tile)
				select {
				case results <- tileResult{index: tile.Index, frags: frags, err: err}:
				case <-runCtx.Done():
					return
				}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, tile := range tiles {
			select {
			case jobs <- tile:
			case <-runCtx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	perTile := make([][]labeledFrag, len(tiles))
	completed := 0
	var firstErr error
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
				cancel()
			}
			continue
		}
		perTile[res.index] = res.frags
		completed++
		if p.params.Progress != nil {
			p.params.Progress(completed, len(tiles))
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return perTile, nil
}

// processTile runs the single-class stages for one tile.
func (p *Pipeline) processTile(ctx context.Context, src *raster.Raster, tile models.Tile, log zerolog.Logger) ([]labeledFrag, error) {
	t0 := time.Now()

	plane, err := p.cropSmoothed(src, tile)
	if err != nil {
		return nil, fmt.Errorf("tile %d %s: %w", tile.Index, models.StageThreshold, err)
	}
	mask := plane.Threshold(p.params.ThresholdLow, p.params.ThresholdHigh)

	if err := p.cleanup(ctx, mask, tile); err != nil {
		return nil, err
	}

	polys := p.tracer.Trace(mask, p.tileCalibration(tile))
	frags := make([]labeledFrag, len(polys))
	for i, poly := range polys {
		frags[i] = labeledFrag{frag: merge.Fragment{Poly: poly, Tile: tile}}
	}
	log.Debug().
		Str("stage", models.StageTrace.String()).
		Int("tile", tile.Index).
		Int("objects", len(polys)).
		Dur("elapsed", time.Since(t0)).
		Msg("tile traced")
	return frags, nil
}

// processClassTile runs the multi-class stages for one tile.
func (p *Pipeline) processClassTile(ctx context.Context, classes []*raster.Raster, background int, tile models.Tile) ([]labeledFrag, error) {
	planes := make([]*raster.Raster, len(classes))
	for i, c := range classes {
		plane, err := p.cropSmoothed(c, tile)
		if err != nil {
			return nil, fmt.Errorf("tile %d %s: %w", tile.Index, models.StageThreshold, err)
		}
		planes[i] = plane
	}

	lm, err := raster.ArgMax(planes, background)
	if err != nil {
		return nil, fmt.Errorf("tile %d %s: %w", tile.Index, models.StageThreshold, err)
	}

	var frags []labeledFrag
	cal := p.tileCalibration(tile)
	for l, polys := range p.tracer.TraceLabels(lm, cal) {
		for _, poly := range polys {
			frags = append(frags, labeledFrag{label: l, frag: merge.Fragment{Poly: poly, Tile: tile}})
		}
	}
	return frags, nil
}

// cleanup applies the mask-level cleanup stage in place.
func (p *Pipeline) cleanup(ctx context.Context, mask *raster.BitMask, tile models.Tile) error {
	if p.params.CleanupRadius > 0 {
		opened, err := p.proc.OpenByReconstruction(ctx, mask.ToRaster(), p.params.CleanupRadius)
		if err != nil {
			return fmt.Errorf("tile %d %s: %w", tile.Index, models.StageCleanup, err)
		}
		*mask = *opened.Threshold(0.5, 1)
	}
	if p.params.MinObjectPixels > 0 {
		if _, err := label.RemoveSmall(mask, p.params.MinObjectPixels, p.params.Connectivity); err != nil {
			return fmt.Errorf("tile %d %s: %w", tile.Index, models.StageCleanup, err)
		}
	}
	return nil
}

// cropSmoothed cuts the tile out of src, smoothing with enough margin
// beforehand that tiles reassemble without seams.
func (p *Pipeline) cropSmoothed(src *raster.Raster, tile models.Tile) (*raster.Raster, error) {
	if p.params.SmoothSigma <= 0 {
		return src.SubRegion(tile.X0, tile.Y0, tile.X1, tile.Y1), nil
	}

	pad := int(math.Ceil(4 * p.params.SmoothSigma))
	cx0, cy0 := max(tile.X0-pad, 0), max(tile.Y0-pad, 0)
	cx1, cy1 := min(tile.X1+pad, src.W), min(tile.Y1+pad, src.H)
	crop := src.SubRegion(cx0, cy0, cx1, cy1)

	smoothed, err := p.eng.Compute2D(crop, features.FeatureSpec{
		Sigmas:   []features.Scale{features.IsoScale(p.params.SmoothSigma)},
		Features: []features.Feature{features.FeatureGaussian},
	})
	if err != nil {
		return nil, err
	}
	sm := smoothed[0].Data
	return sm.SubRegion(tile.X0-cx0, tile.Y0-cy0, tile.X1-cx0, tile.Y1-cy0), nil
}

// tileCalibration shifts the calibration origin to the tile corner so
// traced coordinates land in whole-plane geometry space.
func (p *Pipeline) tileCalibration(tile models.Tile) raster.PixelCalibration {
	cal := p.params.Calibration
	cal.OffsetX, cal.OffsetY = cal.Apply(float64(tile.X0), float64(tile.Y0))
	return cal
}

package transform

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/cameramodel/utils"
)

// InterpolationConfig describes the regular grid of pixel locations and temperatures over which the
// inverse distortion is precomputed.
type InterpolationConfig struct {
	// PixelBounds extends the grid this many pixels past every edge of the detector.
	PixelBounds float64 `json:"pixel_bounds"`
	// PixelStep is the node spacing along rows and columns, in pixels.
	PixelStep       float64 `json:"pixel_step"`
	TemperatureMin  float64 `json:"temperature_min"`
	TemperatureMax  float64 `json:"temperature_max"`
	TemperatureStep float64 `json:"temperature_step"`
}

// DefaultInterpolationConfig returns a single temperature slice at DefaultTemperature with one node
// per pixel and 20 pixels of margin.
func DefaultInterpolationConfig() InterpolationConfig {
	return InterpolationConfig{
		PixelBounds:     20,
		PixelStep:       1,
		TemperatureMin:  DefaultTemperature,
		TemperatureMax:  DefaultTemperature,
		TemperatureStep: 1,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg InterpolationConfig) Validate() error {
	var errs error
	for name, v := range map[string]float64{
		"pixel_bounds":     cfg.PixelBounds,
		"pixel_step":       cfg.PixelStep,
		"temperature_min":  cfg.TemperatureMin,
		"temperature_max":  cfg.TemperatureMax,
		"temperature_step": cfg.TemperatureStep,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			errs = multierr.Append(errs, NewConfigurationError("interpolation %s is not finite", name))
		}
	}
	if cfg.PixelBounds < 0 {
		errs = multierr.Append(errs, NewConfigurationError("interpolation pixel_bounds must not be negative"))
	}
	if cfg.PixelStep <= 0 {
		errs = multierr.Append(errs, NewConfigurationError("interpolation pixel_step must be positive"))
	}
	if cfg.TemperatureStep <= 0 {
		errs = multierr.Append(errs, NewConfigurationError("interpolation temperature_step must be positive"))
	}
	if cfg.TemperatureMax < cfg.TemperatureMin {
		errs = multierr.Append(errs, NewConfigurationError("interpolation temperature_max is below temperature_min"))
	}
	return errs
}

// InterpolationStatus describes the interpolation grid of a model.
type InterpolationStatus string

// The interpolation grid states.
const (
	InterpolationAbsent InterpolationStatus = "absent"
	InterpolationValid  InterpolationStatus = "valid"
	InterpolationStale  InterpolationStatus = "stale"
)

// interpolationGrid holds the undistorted gnomic location of every node of a regular
// temperature x row x column grid, stored row-major in that order.
type interpolationGrid struct {
	config       InterpolationConfig
	temperatures []float64
	rows         []float64
	cols         []float64
	values       []r2.Point
	// version is the model parameter version the grid was computed for.
	version uint64
}

func (g *interpolationGrid) dims() []int {
	return []int{len(g.temperatures), len(g.rows), len(g.cols)}
}

// locate finds the cell of a regular axis holding v. frac is the position of v inside the cell
// [axis[idx], axis[idx+1]]; it is zero for a single node axis.
func locate(axis []float64, v float64) (idx int, frac float64, ok bool) {
	if math.IsNaN(v) {
		return 0, 0, false
	}
	if len(axis) == 1 {
		return 0, 0, math.Abs(v-axis[0]) <= 1e-9
	}
	last := len(axis) - 1
	if v < axis[0] || v > axis[last] {
		return 0, 0, false
	}
	step := axis[1] - axis[0]
	idx = int(math.Floor((v - axis[0]) / step))
	if idx >= last {
		idx = last - 1
	}
	frac = (v - axis[idx]) / step
	return idx, frac, true
}

// interpolate returns the trilinear interpolation of the grid at a pixel and temperature. With a
// single temperature slice it reduces to bilinear interpolation.
func (g *interpolationGrid) interpolate(pixel r2.Point, temperature float64) (r2.Point, bool) {
	ti, tf, ok := locate(g.temperatures, temperature)
	if !ok {
		return r2.Point{}, false
	}
	ri, rf, ok := locate(g.rows, pixel.Y)
	if !ok {
		return r2.Point{}, false
	}
	ci, cf, ok := locate(g.cols, pixel.X)
	if !ok {
		return r2.Point{}, false
	}

	dims := g.dims()
	sub := make([]int, 3)
	var out r2.Point
	for dt := 0; dt < 2; dt++ {
		wt := weight(tf, dt)
		if wt == 0 {
			continue
		}
		for dr := 0; dr < 2; dr++ {
			wr := wt * weight(rf, dr)
			if wr == 0 {
				continue
			}
			for dc := 0; dc < 2; dc++ {
				w := wr * weight(cf, dc)
				if w == 0 {
					continue
				}
				sub[0], sub[1], sub[2] = ti+dt, ri+dr, ci+dc
				out = out.Add(g.values[utils.IdxFor(sub, dims)].Mul(w))
			}
		}
	}
	return out, true
}

func weight(frac float64, upper int) float64 {
	if upper == 1 {
		return frac
	}
	return 1 - frac
}

// interpolationAxes returns the temperature, row and column axes of the grid described by cfg on a
// detector of the given size.
func interpolationAxes(cfg InterpolationConfig, intrinsics PinholeCameraIntrinsics) ([3][]float64, error) {
	var axes [3][]float64
	var err error
	if axes[0], err = utils.ArangeInclusive(cfg.TemperatureMin, cfg.TemperatureMax, cfg.TemperatureStep); err != nil {
		return axes, errors.Wrap(err, "invalid interpolation temperature range")
	}
	if axes[1], err = utils.ArangeInclusive(
		-cfg.PixelBounds, float64(intrinsics.Height)+cfg.PixelBounds, cfg.PixelStep); err != nil {
		return axes, errors.Wrap(err, "invalid interpolation row range")
	}
	if axes[2], err = utils.ArangeInclusive(
		-cfg.PixelBounds, float64(intrinsics.Width)+cfg.PixelBounds, cfg.PixelStep); err != nil {
		return axes, errors.Wrap(err, "invalid interpolation column range")
	}
	return axes, nil
}

// PrepareInterp precomputes the inverse distortion on the grid described by cfg so that later
// inverse queries inside the grid are answered by interpolation. It replaces any existing grid. The
// model is locked for the whole build, so queries never see a partially built grid. If ctx is
// cancelled the build is abandoned and the previous grid, if any, is discarded.
func (m *OpenCVModel) PrepareInterp(ctx context.Context, cfg InterpolationConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interp = nil

	axes, err := interpolationAxes(cfg, m.intrinsics)
	if err != nil {
		return err
	}
	grid := &interpolationGrid{config: cfg, temperatures: axes[0], rows: axes[1], cols: axes[2], version: m.version}

	dims := grid.dims()
	total := utils.Size(dims)
	grid.values = make([]r2.Point, total)
	m.logger.Debugw("building interpolation grid",
		"temperatures", dims[0], "rows", dims[1], "cols", dims[2], "nodes", total)

	var failed int64
	err = utils.GroupWorkParallel(ctx, total, nil,
		func(_, _, _, _ int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			sub := make([]int, 3)
			return func(_, idx int) {
				utils.SubFor(sub, idx, dims)
				temperature := grid.temperatures[sub[0]]
				pixel := r2.Point{X: grid.cols[sub[2]], Y: grid.rows[sub[1]]}
				distorted := m.pixelToDistortedLocked(pixel, m.temperatureScaleLocked(temperature))
				var status UndistortStatus
				grid.values[idx], status = m.distortion.Undistort(distorted)
				if !status.Converged {
					atomic.AddInt64(&failed, 1)
				}
			}, nil
		})
	if err != nil {
		m.logger.Infow("interpolation grid build cancelled", "error", err)
		return err
	}
	if failed > 0 {
		m.logger.Warnw("inverse distortion did not converge for some interpolation nodes",
			"failed", failed, "total", total)
	}
	m.interp = grid
	m.logger.Debug("interpolation grid ready")
	return nil
}

// InterpolationStatus reports whether the model has an interpolation grid and whether it still
// matches the model parameters.
func (m *OpenCVModel) InterpolationStatus() InterpolationStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.interpolationStatusLocked()
}

func (m *OpenCVModel) interpolationStatusLocked() InterpolationStatus {
	switch {
	case m.interp == nil:
		return InterpolationAbsent
	case m.interp.version != m.version:
		return InterpolationStale
	default:
		return InterpolationValid
	}
}

// InterpolationConfig returns the config of the current grid, if there is one.
func (m *OpenCVModel) InterpolationConfig() (InterpolationConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.interp == nil {
		return InterpolationConfig{}, false
	}
	return m.interp.config, true
}

// DiscardInterp drops the interpolation grid.
func (m *OpenCVModel) DiscardInterp() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interp = nil
}

// PixelsToGnomicInterp is PixelsToGnomic using the interpolation grid for the pixels it covers. The
// exact inverse is used for every pixel when the grid is absent or stale, and for pixels or
// temperatures outside the grid.
func (m *OpenCVModel) PixelsToGnomicInterp(pixels []r2.Point, temperature float64) ([]r2.Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pixelsToGnomicInterpLocked(pixels, temperature)
}

func (m *OpenCVModel) pixelsToGnomicInterpLocked(pixels []r2.Point, temperature float64) ([]r2.Point, error) {
	if m.interpolationStatusLocked() != InterpolationValid {
		return m.pixelsToGnomicLocked(context.Background(), pixels, temperature)
	}

	out := make([]r2.Point, len(pixels))
	var (
		missed    []r2.Point
		missedIdx []int
	)
	for i, pixel := range pixels {
		g, ok := m.interp.interpolate(pixel, temperature)
		if !ok {
			missed = append(missed, pixel)
			missedIdx = append(missedIdx, i)
			continue
		}
		out[i] = g
	}
	if len(missed) == 0 {
		return out, nil
	}

	exact, err := m.pixelsToGnomicLocked(context.Background(), missed, temperature)
	if err != nil && !IsConvergenceWarning(err) {
		return nil, err
	}
	for j, i := range missedIdx {
		out[i] = exact[j]
	}
	return out, err
}

package transform

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/cameramodel/logging"
	"go.viam.com/cameramodel/spatialmath"
	"go.viam.com/cameramodel/utils"
)

// parallelUndistortThreshold is the batch size above which inverse distortion is split over workers.
const parallelUndistortThreshold = 4096

// OpenCVModelConfig describes an OpenCVModel. It is also the persisted form of a model.
type OpenCVModelConfig struct {
	Intrinsics PinholeCameraIntrinsics `json:"intrinsic_parameters"`
	// DistortionCoefficients are [k1, k2, k3, k4, k5, k6, p1, p2, s1, s2, s3, s4]; missing trailing
	// values are zero.
	DistortionCoefficients []float64 `json:"distortion_coefficients,omitempty"`
	// Distortion sets individual coefficients by name or alias (e.g. "k1", "radial2n") and is applied
	// after DistortionCoefficients.
	Distortion              map[string]float64 `json:"distortion,omitempty"`
	TemperatureCoefficients []float64          `json:"temperature_coefficients,omitempty"`
	// Misalignment is a single rotation vector used for every image.
	Misalignment []float64 `json:"misalignment,omitempty"`
	// Misalignments holds one rotation vector per image.
	Misalignments        [][]float64 `json:"misalignments,omitempty"`
	EstimationParameters []string    `json:"estimation_parameters,omitempty"`
	// FieldOfView is the half angle in degrees. It is computed from the detector when zero.
	FieldOfView float64 `json:"field_of_view,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *OpenCVModelConfig) Validate() error {
	var errs error
	if err := cfg.Intrinsics.CheckValid(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if len(cfg.DistortionCoefficients) > NumDistortionCoefficients {
		errs = multierr.Append(errs, &DimensionError{
			What: "distortion_coefficients", Expected: NumDistortionCoefficients, Actual: len(cfg.DistortionCoefficients),
		})
	}
	for name := range cfg.Distortion {
		if _, err := DistortionCoefficientByName(name); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if len(cfg.TemperatureCoefficients) > 3 {
		errs = multierr.Append(errs, &DimensionError{
			What: "temperature_coefficients", Expected: 3, Actual: len(cfg.TemperatureCoefficients),
		})
	}
	if cfg.Misalignment != nil && len(cfg.Misalignment) != 3 {
		errs = multierr.Append(errs, &DimensionError{What: "misalignment", Expected: 3, Actual: len(cfg.Misalignment)})
	}
	for i, m := range cfg.Misalignments {
		if len(m) != 3 {
			errs = multierr.Append(errs, &DimensionError{
				What: fmt.Sprintf("misalignments[%d]", i), Expected: 3, Actual: len(m),
			})
		}
	}
	if cfg.Misalignments != nil && len(cfg.Misalignments) == 0 {
		errs = multierr.Append(errs, NewConfigurationError("at least one misalignment is required"))
	}
	if cfg.Misalignment != nil && cfg.Misalignments != nil {
		errs = multierr.Append(errs, NewConfigurationError("only one of misalignment and misalignments may be set"))
	}
	numMisalignments, multiple := 1, cfg.Misalignments != nil
	if multiple {
		numMisalignments = len(cfg.Misalignments)
	}
	if _, err := ResolveEstimationParameters(cfg.EstimationParameters, numMisalignments, multiple); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// OpenCVModel is a pinhole camera with OpenCV lens distortion, a cubic temperature dependence of the
// focal length, and a misalignment rotation between the nominal and the actual camera frame.
//
// A camera-frame point p maps to a pixel by
//
//	x_I  = (R p)[:2] / (R p)[2]                      gnomic location, R the misalignment
//	x_I' = distortion(x_I)                           see OpenCVDistortion
//	x_P  = K [(1 + a1 T + a2 T² + a3 T³) x_I'; 1]    K the intrinsic matrix, T the temperature
//
// All methods are safe for concurrent use. Parameter mutations mark any prepared interpolation grid
// stale; a stale grid is never consulted and is only replaced by another call to PrepareInterp.
type OpenCVModel struct {
	mu     sync.RWMutex
	logger logging.Logger

	intrinsics  PinholeCameraIntrinsics
	distortion  OpenCVDistortion
	temperature [3]float64

	misalignments         []spatialmath.Rotation
	multipleMisalignments bool

	estimationParameters []string
	fieldOfView          float64

	// version increases with every parameter mutation.
	version uint64
	interp  *interpolationGrid
}

// NewOpenCVModel returns a model described by cfg. A zero detector size defaults to 1x1 and an
// empty estimation parameter list defaults to "basic".
func NewOpenCVModel(cfg OpenCVModelConfig, logger logging.Logger) (*OpenCVModel, error) {
	if cfg.Intrinsics.Width == 0 {
		cfg.Intrinsics.Width = 1
	}
	if cfg.Intrinsics.Height == 0 {
		cfg.Intrinsics.Height = 1
	}
	if cfg.EstimationParameters == nil {
		cfg.EstimationParameters = []string{"basic"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewBlankLogger("opencv")
	}

	distortion, err := NewOpenCVDistortion(cfg.DistortionCoefficients)
	if err != nil {
		return nil, err
	}
	for name, v := range cfg.Distortion {
		c, err := DistortionCoefficientByName(name)
		if err != nil {
			return nil, err
		}
		distortion.SetCoefficient(c, v)
	}
	if err := distortion.CheckValid(); err != nil {
		return nil, err
	}

	m := &OpenCVModel{
		logger:               logger,
		intrinsics:           cfg.Intrinsics,
		distortion:           *distortion,
		estimationParameters: append([]string(nil), cfg.EstimationParameters...),
		fieldOfView:          cfg.FieldOfView,
	}
	copy(m.temperature[:], cfg.TemperatureCoefficients)

	switch {
	case cfg.Misalignments != nil:
		m.multipleMisalignments = true
		for _, v := range cfg.Misalignments {
			m.misalignments = append(m.misalignments, spatialmath.NewRotationFromVector(vectorFromSlice(v)))
		}
	case cfg.Misalignment != nil:
		m.misalignments = []spatialmath.Rotation{spatialmath.NewRotationFromVector(vectorFromSlice(cfg.Misalignment))}
	default:
		m.misalignments = []spatialmath.Rotation{spatialmath.NewZeroRotation()}
	}
	return m, nil
}

func vectorFromSlice(v []float64) r3.Vector {
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}
}

// Config returns the current parameters of the model as a config.
func (m *OpenCVModel) Config() OpenCVModelConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.configLocked()
}

func (m *OpenCVModel) configLocked() OpenCVModelConfig {
	cfg := OpenCVModelConfig{
		Intrinsics:              m.intrinsics,
		DistortionCoefficients:  m.distortion.Parameters(),
		TemperatureCoefficients: append([]float64(nil), m.temperature[:]...),
		EstimationParameters:    append([]string(nil), m.estimationParameters...),
		FieldOfView:             m.fieldOfView,
	}
	if m.multipleMisalignments {
		cfg.Misalignments = make([][]float64, len(m.misalignments))
		for i, rot := range m.misalignments {
			v := rot.Vector()
			cfg.Misalignments[i] = []float64{v.X, v.Y, v.Z}
		}
	} else {
		v := m.misalignments[0].Vector()
		cfg.Misalignment = []float64{v.X, v.Y, v.Z}
	}
	return cfg
}

// invalidate must be called with the write lock held after any change to the map from pixels to
// gnomic locations. Misalignments do not take part in that map.
func (m *OpenCVModel) invalidate() {
	if m.interp != nil && m.interp.version == m.version {
		m.logger.Debug("camera parameters changed, interpolation grid is stale until PrepareInterp is called again")
	}
	m.version++
}

// Intrinsics returns a copy of the intrinsic parameters.
func (m *OpenCVModel) Intrinsics() PinholeCameraIntrinsics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.intrinsics
}

// SetIntrinsics replaces the intrinsic parameters.
func (m *OpenCVModel) SetIntrinsics(intrinsics PinholeCameraIntrinsics) error {
	if err := intrinsics.CheckValid(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intrinsics = intrinsics
	m.invalidate()
	return nil
}

// DistortionCoefficient returns one distortion coefficient. Aliases read the same value.
func (m *OpenCVModel) DistortionCoefficient(c DistortionCoefficient) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.distortion.Coefficient(c)
}

// SetDistortionCoefficient sets one distortion coefficient.
func (m *OpenCVModel) SetDistortionCoefficient(c DistortionCoefficient, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.distortion.SetCoefficient(c, v)
	m.invalidate()
}

// DistortionByName returns the coefficient with the given name or alias.
func (m *OpenCVModel) DistortionByName(name string) (float64, error) {
	c, err := DistortionCoefficientByName(name)
	if err != nil {
		return 0, err
	}
	return m.DistortionCoefficient(c), nil
}

// SetDistortionByName sets the coefficient with the given name or alias.
func (m *OpenCVModel) SetDistortionByName(name string, v float64) error {
	c, err := DistortionCoefficientByName(name)
	if err != nil {
		return err
	}
	m.SetDistortionCoefficient(c, v)
	return nil
}

// Distortion returns a copy of the distortion model.
func (m *OpenCVModel) Distortion() OpenCVDistortion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.distortion
}

// TemperatureCoefficients returns [a1, a2, a3].
func (m *OpenCVModel) TemperatureCoefficients() [3]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.temperature
}

// SetTemperatureCoefficients sets [a1, a2, a3].
func (m *OpenCVModel) SetTemperatureCoefficients(a [3]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.temperature = a
	m.invalidate()
}

// Misalignments returns the configured misalignments. A model with a single misalignment returns
// one rotation.
func (m *OpenCVModel) Misalignments() []spatialmath.Rotation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]spatialmath.Rotation(nil), m.misalignments...)
}

// MultipleMisalignments reports whether there is one misalignment per image.
func (m *OpenCVModel) MultipleMisalignments() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.multipleMisalignments
}

// SetMisalignment configures a single misalignment used for every image.
func (m *OpenCVModel) SetMisalignment(rot spatialmath.Rotation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misalignments = []spatialmath.Rotation{rot}
	m.multipleMisalignments = false
}

// SetMisalignments configures one misalignment per image.
func (m *OpenCVModel) SetMisalignments(rots []spatialmath.Rotation) error {
	if len(rots) == 0 {
		return NewConfigurationError("at least one misalignment is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misalignments = append([]spatialmath.Rotation(nil), rots...)
	m.multipleMisalignments = true
	return nil
}

// EstimationParameters returns the names of the parameters selected for estimation.
func (m *OpenCVModel) EstimationParameters() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.estimationParameters...)
}

// SetEstimationParameters selects the parameters to estimate. The selection must resolve against
// the current misalignment configuration.
func (m *OpenCVModel) SetEstimationParameters(names ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := ResolveEstimationParameters(names, len(m.misalignments), m.multipleMisalignments); err != nil {
		return err
	}
	m.estimationParameters = append([]string(nil), names...)
	return nil
}

// ResolveEstimationParameters resolves the model's current estimation parameter selection.
func (m *OpenCVModel) ResolveEstimationParameters() (EstimationIndices, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolveLocked()
}

func (m *OpenCVModel) resolveLocked() (EstimationIndices, error) {
	return ResolveEstimationParameters(m.estimationParameters, len(m.misalignments), m.multipleMisalignments)
}

// StateLabels returns the name of every entry of StateVector.
func (m *OpenCVModel) StateLabels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	labels := append([]string(nil), stateLabels[:]...)
	for i := range m.misalignments {
		for _, axis := range []string{"x", "y", "z"} {
			labels = append(labels, fmt.Sprintf("misalignment_%d_%s", i, axis))
		}
	}
	return labels
}

// StateVector returns every estimable parameter in state vector order, misalignments flattened
// as rotation vectors image by image.
func (m *OpenCVModel) StateVector() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state := make([]float64, StateMisalignment, StateMisalignment+3*len(m.misalignments))
	for i := range state {
		state[i] = m.stateValueLocked(i)
	}
	for _, rot := range m.misalignments {
		v := rot.Vector()
		state = append(state, v.X, v.Y, v.Z)
	}
	return state
}

func (m *OpenCVModel) stateValueLocked(idx int) float64 {
	switch {
	case idx == StateFx:
		return m.intrinsics.Fx
	case idx == StateFy:
		return m.intrinsics.Fy
	case idx == StateAlpha:
		return m.intrinsics.Alpha
	case idx == StatePx:
		return m.intrinsics.Ppx
	case idx == StatePy:
		return m.intrinsics.Ppy
	case idx >= StateK1 && idx <= StateS4:
		return m.distortion.Coefficients[idx-StateK1]
	case idx >= StateA1 && idx <= StateA3:
		return m.temperature[idx-StateA1]
	default:
		panic(fmt.Sprintf("state index %d is not a scalar parameter", idx))
	}
}

func (m *OpenCVModel) addToStateLocked(idx int, delta float64) {
	switch {
	case idx == StateFx:
		m.intrinsics.Fx += delta
	case idx == StateFy:
		m.intrinsics.Fy += delta
	case idx == StateAlpha:
		m.intrinsics.Alpha += delta
	case idx == StatePx:
		m.intrinsics.Ppx += delta
	case idx == StatePy:
		m.intrinsics.Ppy += delta
	case idx >= StateK1 && idx <= StateS4:
		m.distortion.Coefficients[idx-StateK1] += delta
	case idx >= StateA1 && idx <= StateA3:
		m.temperature[idx-StateA1] += delta
	default:
		panic(fmt.Sprintf("state index %d is not a scalar parameter", idx))
	}
}

// TemperatureScale returns 1 + a1 T + a2 T² + a3 T³.
func (m *OpenCVModel) TemperatureScale(temperature float64) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.temperatureScaleLocked(temperature)
}

func (m *OpenCVModel) temperatureScaleLocked(t float64) float64 {
	a := m.temperature
	return 1 + t*(a[0]+t*(a[1]+t*a[2]))
}

func (m *OpenCVModel) misalignmentLocked(image int) (spatialmath.Rotation, error) {
	if !m.multipleMisalignments {
		return m.misalignments[0], nil
	}
	if image < 0 || image >= len(m.misalignments) {
		return spatialmath.Rotation{}, errors.Errorf("image %d has no misalignment, %d are configured", image, len(m.misalignments))
	}
	return m.misalignments[image], nil
}

// GetProjections maps camera-frame points through every stage of the model and returns the gnomic
// locations, the distorted gnomic locations, and the pixel locations. Points with zero depth have
// no projection; their outputs are not finite.
func (m *OpenCVModel) GetProjections(
	points []r3.Vector, image int, temperature float64,
) (gnomic, distorted, pixels []r2.Point, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getProjectionsLocked(points, image, temperature)
}

func (m *OpenCVModel) getProjectionsLocked(
	points []r3.Vector, image int, temperature float64,
) (gnomic, distorted, pixels []r2.Point, err error) {
	rot, err := m.misalignmentLocked(image)
	if err != nil {
		return nil, nil, nil, err
	}
	scale := m.temperatureScaleLocked(temperature)

	gnomic = make([]r2.Point, len(points))
	distorted = make([]r2.Point, len(points))
	pixels = make([]r2.Point, len(points))
	for i, p := range points {
		rotated := rot.Apply(p)
		gnomic[i] = r2.Point{X: rotated.X / rotated.Z, Y: rotated.Y / rotated.Z}
		distorted[i] = m.distortion.ApplyDistortion(gnomic[i])
		pixels[i] = m.intrinsics.ImagePlaneToPixel(distorted[i].Mul(scale))
	}
	return gnomic, distorted, pixels, nil
}

// ProjectOntoImage maps camera-frame points to pixel locations in the given image at the given
// temperature.
func (m *OpenCVModel) ProjectOntoImage(points []r3.Vector, image int, temperature float64) ([]r2.Point, error) {
	_, _, pixels, err := m.GetProjections(points, image, temperature)
	return pixels, err
}

// Project maps a single camera-frame point to its pixel location.
func (m *OpenCVModel) Project(point r3.Vector, image int, temperature float64) (r2.Point, error) {
	pixels, err := m.ProjectOntoImage([]r3.Vector{point}, image, temperature)
	if err != nil {
		return r2.Point{}, err
	}
	return pixels[0], nil
}

// PixelsToGnomic removes the intrinsic matrix, the temperature scaling, and the distortion from
// pixel locations using the iterative inverse. Every result is populated; if some points did not
// converge the returned error is a *ConvergenceWarning and those results are best estimates.
func (m *OpenCVModel) PixelsToGnomic(pixels []r2.Point, temperature float64) ([]r2.Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pixelsToGnomicLocked(context.Background(), pixels, temperature)
}

func (m *OpenCVModel) pixelToDistortedLocked(pixel r2.Point, scale float64) r2.Point {
	return m.intrinsics.PixelToImagePlane(pixel).Mul(1 / scale)
}

func (m *OpenCVModel) pixelsToGnomicLocked(ctx context.Context, pixels []r2.Point, temperature float64) ([]r2.Point, error) {
	scale := m.temperatureScaleLocked(temperature)
	out := make([]r2.Point, len(pixels))
	statuses := make([]UndistortStatus, len(pixels))

	work := func(_, i int) {
		out[i], statuses[i] = m.distortion.Undistort(m.pixelToDistortedLocked(pixels[i], scale))
	}
	if len(pixels) < parallelUndistortThreshold {
		for i := range pixels {
			work(0, i)
		}
	} else {
		err := utils.GroupWorkParallel(ctx, len(pixels), nil,
			func(_, _, _, _ int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
				return work, nil
			})
		if err != nil {
			return nil, err
		}
	}
	return out, m.convergenceWarning(statuses)
}

func (m *OpenCVModel) convergenceWarning(statuses []UndistortStatus) error {
	var warning *ConvergenceWarning
	for _, s := range statuses {
		if s.Converged {
			continue
		}
		if warning == nil {
			warning = &ConvergenceWarning{Total: len(statuses)}
		}
		warning.Failed++
		if s.Residual > warning.MaxResidual || math.IsNaN(s.Residual) {
			warning.MaxResidual = s.Residual
		}
	}
	if warning == nil {
		return nil
	}
	m.logger.Warnw("inverse distortion did not converge",
		"failed", warning.Failed, "total", warning.Total, "max_residual", warning.MaxResidual)
	return warning
}

// PixelsToUnit maps pixel locations in the given image to unit vectors in the camera frame. A valid
// interpolation grid is used when the pixels and temperature fall inside it.
func (m *OpenCVModel) PixelsToUnit(pixels []r2.Point, image int, temperature float64) ([]r3.Vector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rot, err := m.misalignmentLocked(image)
	if err != nil {
		return nil, err
	}
	gnomic, warn := m.pixelsToGnomicInterpLocked(pixels, temperature)
	inv := rot.Inverse()
	units := make([]r3.Vector, len(gnomic))
	for i, g := range gnomic {
		units[i] = inv.Apply(r3.Vector{X: g.X, Y: g.Y, Z: 1}.Normalize())
	}
	return units, warn
}

// FieldOfView returns the half angle field of view in degrees. Unless configured, it is the largest
// angle between the boresight and the lines of sight through the corners and edge midpoints of the
// detector at temperature 0.
func (m *OpenCVModel) FieldOfView() (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fieldOfView > 0 {
		return m.fieldOfView, nil
	}
	maxCol := float64(m.intrinsics.Width - 1)
	maxRow := float64(m.intrinsics.Height - 1)
	edges := []r2.Point{
		{X: 0, Y: 0}, {X: maxCol / 2, Y: 0}, {X: maxCol, Y: 0},
		{X: 0, Y: maxRow / 2}, {X: maxCol, Y: maxRow / 2},
		{X: 0, Y: maxRow}, {X: maxCol / 2, Y: maxRow}, {X: maxCol, Y: maxRow},
	}
	gnomic, err := m.pixelsToGnomicLocked(context.Background(), edges, 0)
	if err != nil && !IsConvergenceWarning(err) {
		return 0, err
	}
	var fov float64
	for _, g := range gnomic {
		angle := math.Atan(math.Hypot(g.X, g.Y))
		fov = math.Max(fov, angle)
	}
	return utils.RadToDeg(fov), nil
}

// String summarizes the model parameters.
func (m *OpenCVModel) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sb strings.Builder
	c := m.distortion.Coefficients
	fmt.Fprintf(&sb, "OpenCV camera model (%dx%d)\n", m.intrinsics.Width, m.intrinsics.Height)
	fmt.Fprintf(&sb, "  fx=%g fy=%g alpha=%g px=%g py=%g\n",
		m.intrinsics.Fx, m.intrinsics.Fy, m.intrinsics.Alpha, m.intrinsics.Ppx, m.intrinsics.Ppy)
	fmt.Fprintf(&sb, "  k1=%g k2=%g k3=%g k4=%g k5=%g k6=%g\n", c[K1], c[K2], c[K3], c[K4], c[K5], c[K6])
	fmt.Fprintf(&sb, "  p1=%g p2=%g s1=%g s2=%g s3=%g s4=%g\n", c[P1], c[P2], c[S1], c[S2], c[S3], c[S4])
	fmt.Fprintf(&sb, "  a1=%g a2=%g a3=%g\n", m.temperature[0], m.temperature[1], m.temperature[2])
	for i, rot := range m.misalignments {
		v := rot.Vector()
		fmt.Fprintf(&sb, "  misalignment[%d]=[%g %g %g]\n", i, v.X, v.Y, v.Z)
	}
	fmt.Fprintf(&sb, "  estimation parameters: %s\n", strings.Join(m.estimationParameters, ", "))
	fmt.Fprintf(&sb, "  interpolation: %s", m.interpolationStatusLocked())
	return sb.String()
}

package transform

import (
	"encoding/json"
	"math"
	"os"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"go.viam.com/cameramodel/logging"
	"go.viam.com/cameramodel/utils"
)

type interpolationGridJSON struct {
	Config       InterpolationConfig `json:"config"`
	Temperatures []float64           `json:"temperatures"`
	Rows         []float64           `json:"rows"`
	Cols         []float64           `json:"cols"`
	GnomicX      []float64           `json:"gnomic_x"`
	GnomicY      []float64           `json:"gnomic_y"`
}

type openCVModelJSON struct {
	OpenCVModelConfig
	Interpolation *interpolationGridJSON `json:"interpolation,omitempty"`
}

// MarshalJSON encodes the model parameters and, when it is valid, the interpolation grid. A stale
// grid is not written.
func (m *OpenCVModel) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := openCVModelJSON{OpenCVModelConfig: m.configLocked()}
	if m.interpolationStatusLocked() == InterpolationValid {
		g := m.interp
		grid := &interpolationGridJSON{
			Config:       g.config,
			Temperatures: g.temperatures,
			Rows:         g.rows,
			Cols:         g.cols,
			GnomicX:      make([]float64, len(g.values)),
			GnomicY:      make([]float64, len(g.values)),
		}
		for i, v := range g.values {
			grid.GnomicX[i], grid.GnomicY[i] = v.X, v.Y
		}
		out.Interpolation = grid
	}
	return json.Marshal(out)
}

// UnmarshalJSON replaces the model with the encoded one. A persisted interpolation grid is restored
// as valid for the decoded parameters.
func (m *OpenCVModel) UnmarshalJSON(data []byte) error {
	var in openCVModelJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return errors.Wrap(err, "error parsing camera model JSON")
	}
	m.mu.RLock()
	logger := m.logger
	m.mu.RUnlock()

	decoded, err := NewOpenCVModel(in.OpenCVModelConfig, logger)
	if err != nil {
		return err
	}
	var grid *interpolationGrid
	if in.Interpolation != nil {
		if grid, err = in.Interpolation.toGrid(decoded.intrinsics); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = decoded.logger
	m.intrinsics = decoded.intrinsics
	m.distortion = decoded.distortion
	m.temperature = decoded.temperature
	m.misalignments = decoded.misalignments
	m.multipleMisalignments = decoded.multipleMisalignments
	m.estimationParameters = decoded.estimationParameters
	m.fieldOfView = decoded.fieldOfView
	m.version++
	m.interp = nil
	if grid != nil {
		grid.version = m.version
		m.interp = grid
	}
	return nil
}

// toGrid checks a persisted grid against the axes PrepareInterp would build for its config and the
// detector size, and converts it.
func (g *interpolationGridJSON) toGrid(intrinsics PinholeCameraIntrinsics) (*interpolationGrid, error) {
	if err := g.Config.Validate(); err != nil {
		return nil, err
	}
	if len(g.Temperatures) == 0 || len(g.Rows) == 0 || len(g.Cols) == 0 {
		return nil, errors.New("persisted interpolation grid has an empty axis")
	}
	expected, err := interpolationAxes(g.Config, intrinsics)
	if err != nil {
		return nil, err
	}
	for i, axis := range [][]float64{g.Temperatures, g.Rows, g.Cols} {
		if !axisMatches(axis, expected[i]) {
			return nil, NewConfigurationError(
				"persisted interpolation %s do not match the grid config and detector size", axisNames[i])
		}
	}
	total := utils.Size([]int{len(g.Temperatures), len(g.Rows), len(g.Cols)})
	if len(g.GnomicX) != total {
		return nil, &DimensionError{What: "interpolation gnomic_x", Expected: total, Actual: len(g.GnomicX)}
	}
	if len(g.GnomicY) != total {
		return nil, &DimensionError{What: "interpolation gnomic_y", Expected: total, Actual: len(g.GnomicY)}
	}
	grid := &interpolationGrid{
		config:       g.Config,
		temperatures: expected[0],
		rows:         expected[1],
		cols:         expected[2],
		values:       make([]r2.Point, total),
	}
	for i := range grid.values {
		grid.values[i] = r2.Point{X: g.GnomicX[i], Y: g.GnomicY[i]}
	}
	return grid, nil
}

var axisNames = [3]string{"temperatures", "rows", "cols"}

// axisMatches reports whether a persisted axis equals the generated one to within rounding.
func axisMatches(got, want []float64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if math.Abs(got[i]-want[i]) > 1e-9*math.Max(1, math.Abs(want[i])) {
			return false
		}
	}
	return true
}

// NewOpenCVModelFromJSONFile reads a model, including any persisted interpolation grid, from a JSON
// file.
func NewOpenCVModelFromJSONFile(jsonPath string, logger logging.Logger) (*OpenCVModel, error) {
	byteValue, err := readJSONFile(jsonPath)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewBlankLogger("opencv")
	}
	m := &OpenCVModel{logger: logger}
	if err := json.Unmarshal(byteValue, m); err != nil {
		return nil, err
	}
	return m, nil
}

// SaveToFile writes the model, including a valid interpolation grid, to a JSON file.
func (m *OpenCVModel) SaveToFile(jsonPath string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "error encoding camera model")
	}
	//nolint:gosec
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return errors.Wrap(err, "error writing camera model file")
	}
	return nil
}

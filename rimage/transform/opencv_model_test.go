package transform

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.uber.org/zap/zapcore"
	"go.viam.com/test"

	"go.viam.com/cameramodel/logging"
	"go.viam.com/cameramodel/spatialmath"
)

func testModelConfig() OpenCVModelConfig {
	return OpenCVModelConfig{
		Intrinsics: PinholeCameraIntrinsics{
			Width: 128, Height: 96,
			Fx: 150, Fy: 160, Alpha: 0.5, Ppx: 64, Ppy: 48,
		},
		DistortionCoefficients:  testCoefficients,
		TemperatureCoefficients: []float64{1e-4, -1e-6, 1e-8},
		Misalignment:            []float64{1e-3, -2e-3, 5e-4},
		EstimationParameters:    []string{"basic"},
	}
}

func newTestModel(t *testing.T) *OpenCVModel {
	t.Helper()
	m, err := NewOpenCVModel(testModelConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return m
}

var testCameraPoints = []r3.Vector{
	{X: 0, Y: 0, Z: 10},
	{X: 1, Y: -2, Z: 12},
	{X: -2.5, Y: 1.5, Z: 9},
	{X: 3, Y: 2.5, Z: 11},
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "camera.json")
	test.That(t, os.WriteFile(path, []byte(content), 0o600), test.ShouldBeNil)
	return path
}

func TestNewOpenCVModel(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		m, err := NewOpenCVModel(OpenCVModelConfig{
			Intrinsics: PinholeCameraIntrinsics{Fx: 1, Fy: 1},
		}, nil)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, m.Intrinsics().Width, test.ShouldEqual, 1)
		test.That(t, m.Intrinsics().Height, test.ShouldEqual, 1)
		test.That(t, m.EstimationParameters(), test.ShouldResemble, []string{"basic"})
		test.That(t, m.MultipleMisalignments(), test.ShouldBeFalse)
		test.That(t, m.Misalignments(), test.ShouldHaveLength, 1)
		test.That(t, m.Misalignments()[0].Angle(), test.ShouldEqual, 0.)
		test.That(t, m.StateVector(), test.ShouldHaveLength, StateMisalignment+3)
		test.That(t, m.InterpolationStatus(), test.ShouldEqual, InterpolationAbsent)
	})

	t.Run("named distortion overrides the array", func(t *testing.T) {
		cfg := testModelConfig()
		cfg.Distortion = map[string]float64{"radial2n": 0.3, "ThinPrism_4": -0.1}
		m, err := NewOpenCVModel(cfg, logging.NewTestLogger(t))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, m.DistortionCoefficient(K1), test.ShouldEqual, 0.3)
		test.That(t, m.DistortionCoefficient(S4), test.ShouldEqual, -0.1)
		test.That(t, m.DistortionCoefficient(K2), test.ShouldEqual, testCoefficients[K2])
	})

	t.Run("validation collects every failure", func(t *testing.T) {
		cfg := testModelConfig()
		cfg.Intrinsics.Fx = 0
		cfg.DistortionCoefficients = make([]float64, 13)
		cfg.Misalignments = [][]float64{{0, 0}}
		cfg.EstimationParameters = []string{"nope"}
		_, err := NewOpenCVModel(cfg, nil)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "Fx")
		test.That(t, err.Error(), test.ShouldContainSubstring, "distortion_coefficients")
		test.That(t, err.Error(), test.ShouldContainSubstring, "misalignments[0]")
		test.That(t, err.Error(), test.ShouldContainSubstring, "only one of misalignment and misalignments")
		test.That(t, err.Error(), test.ShouldContainSubstring, "nope")
	})

	t.Run("empty misalignment list", func(t *testing.T) {
		cfg := testModelConfig()
		cfg.Misalignment = nil
		cfg.Misalignments = [][]float64{}
		test.That(t, cfg.Validate(), test.ShouldNotBeNil)
		test.That(t, cfg.Validate().Error(), test.ShouldContainSubstring, "at least one misalignment")

		_, err := NewOpenCVModelFromJSONFile(writeConfigFile(t, `{
			"intrinsic_parameters": {"width_px": 10, "height_px": 10, "fx": 1, "fy": 1},
			"misalignments": []
		}`), nil)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "at least one misalignment")
	})

	t.Run("multiple misalignments selection needs per image misalignments", func(t *testing.T) {
		cfg := testModelConfig()
		cfg.EstimationParameters = []string{"multiple misalignments"}
		_, err := NewOpenCVModel(cfg, nil)
		test.That(t, err, test.ShouldNotBeNil)

		cfg.Misalignment = nil
		cfg.Misalignments = [][]float64{{0, 0, 0}, {0, 0, 1e-3}}
		m, err := NewOpenCVModel(cfg, nil)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, m.MultipleMisalignments(), test.ShouldBeTrue)
		test.That(t, m.StateVector(), test.ShouldHaveLength, StateMisalignment+6)
		test.That(t, m.StateLabels()[StateMisalignment+5], test.ShouldEqual, "misalignment_1_z")
	})
}

func TestParameterAccess(t *testing.T) {
	m := newTestModel(t)

	test.That(t, m.SetDistortionByName("radial4d", 0.125), test.ShouldBeNil)
	v, err := m.DistortionByName("k5")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, 0.125)
	test.That(t, m.StateVector()[StateK5], test.ShouldEqual, 0.125)

	_, err = m.DistortionByName("k9")
	test.That(t, err, test.ShouldHaveSameTypeAs, &ConfigurationError{})
	test.That(t, m.SetDistortionByName("k9", 1), test.ShouldHaveSameTypeAs, &ConfigurationError{})

	m.SetTemperatureCoefficients([3]float64{1, 2, 3})
	test.That(t, m.TemperatureScale(2), test.ShouldEqual, 1+2.+8+24)

	test.That(t, m.SetIntrinsics(PinholeCameraIntrinsics{Width: 10, Height: 10, Fx: -1, Fy: 1}), test.ShouldNotBeNil)

	labels := m.StateLabels()
	state := m.StateVector()
	test.That(t, labels, test.ShouldHaveLength, len(state))
	test.That(t, labels[StatePx], test.ShouldEqual, "px")
	test.That(t, state[StatePx], test.ShouldEqual, 64.)
	test.That(t, state[StateAlpha], test.ShouldEqual, 0.5)

	test.That(t, m.SetEstimationParameters("multiple misalignments"), test.ShouldHaveSameTypeAs, &ConfigurationError{})
	test.That(t, m.SetEstimationParameters("intrinsic", "a1"), test.ShouldBeNil)
	test.That(t, m.EstimationParameters(), test.ShouldResemble, []string{"intrinsic", "a1"})

	test.That(t, m.SetMisalignments(nil), test.ShouldNotBeNil)
	test.That(t, m.SetMisalignments([]spatialmath.Rotation{spatialmath.NewZeroRotation(), spatialmath.NewZeroRotation()}),
		test.ShouldBeNil)
	test.That(t, m.MultipleMisalignments(), test.ShouldBeTrue)
	m.SetMisalignment(spatialmath.NewZeroRotation())
	test.That(t, m.MultipleMisalignments(), test.ShouldBeFalse)

	test.That(t, m.String(), test.ShouldContainSubstring, "k5=0.125")
}

func TestProjectOntoImage(t *testing.T) {
	t.Run("pinhole", func(t *testing.T) {
		m, err := NewOpenCVModel(OpenCVModelConfig{
			Intrinsics: PinholeCameraIntrinsics{Width: 1000, Height: 1000, Fx: 3000, Fy: 4000, Ppx: 500, Ppy: 500},
		}, nil)
		test.That(t, err, test.ShouldBeNil)

		pixel, err := m.Project(r3.Vector{X: 1, Y: 2, Z: 12000}, 0, DefaultTemperature)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pixel.X, test.ShouldAlmostEqual, 500.25, 1e-9)
		test.That(t, pixel.Y, test.ShouldAlmostEqual, 500.66666667, 1e-8)

		pixels, err := m.ProjectOntoImage([]r3.Vector{
			{X: 1, Y: 2, Z: 12000}, {X: 2, Y: 5, Z: 13000}, {X: 3, Y: 6, Z: 9000}, {X: 4, Y: 7, Z: 5000},
		}, 0, DefaultTemperature)
		test.That(t, err, test.ShouldBeNil)
		expected := []r2.Point{
			{X: 500.25, Y: 500.66666667},
			{X: 500.46153846, Y: 501.53846154},
			{X: 501, Y: 502.66666667},
			{X: 502.4, Y: 505.6},
		}
		for i, p := range expected {
			test.That(t, pixels[i].X, test.ShouldAlmostEqual, p.X, 1e-8)
			test.That(t, pixels[i].Y, test.ShouldAlmostEqual, p.Y, 1e-8)
		}
	})

	t.Run("intermediate results", func(t *testing.T) {
		m := newTestModel(t)
		const temperature = 15.
		gnomic, distorted, pixels, err := m.GetProjections(testCameraPoints, 0, temperature)
		test.That(t, err, test.ShouldBeNil)
		rot := m.Misalignments()[0]
		d := m.Distortion()
		intrinsics := m.Intrinsics()
		scale := m.TemperatureScale(temperature)
		for i, p := range testCameraPoints {
			rotated := rot.Apply(p)
			test.That(t, gnomic[i].X, test.ShouldAlmostEqual, rotated.X/rotated.Z, 1e-15)
			test.That(t, gnomic[i].Y, test.ShouldAlmostEqual, rotated.Y/rotated.Z, 1e-15)
			test.That(t, distorted[i], test.ShouldResemble, d.ApplyDistortion(gnomic[i]))
			expected := intrinsics.ImagePlaneToPixel(distorted[i].Mul(scale))
			test.That(t, pixels[i], test.ShouldResemble, expected)
		}
	})

	t.Run("temperature scales the focal length", func(t *testing.T) {
		m, err := NewOpenCVModel(OpenCVModelConfig{
			Intrinsics:              PinholeCameraIntrinsics{Width: 1000, Height: 1000, Fx: 3000, Fy: 4000, Ppx: 500, Ppy: 500},
			TemperatureCoefficients: []float64{1e-3},
		}, nil)
		test.That(t, err, test.ShouldBeNil)
		pixel, err := m.Project(r3.Vector{X: 1, Y: 2, Z: 12000}, 0, 10)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pixel.X, test.ShouldAlmostEqual, 500+0.25*1.01, 1e-9)
		test.That(t, pixel.Y, test.ShouldAlmostEqual, 500+(2./3)*1.01, 1e-9)
	})

	t.Run("per image misalignment", func(t *testing.T) {
		cfg := testModelConfig()
		cfg.Misalignment = nil
		cfg.Misalignments = [][]float64{{0, 0, 0}, {0, 0, math.Pi / 2}}
		m, err := NewOpenCVModel(cfg, nil)
		test.That(t, err, test.ShouldBeNil)

		point := r3.Vector{X: 1, Y: 0, Z: 10}
		rotatedPoint := r3.Vector{X: 0, Y: 1, Z: 10}
		onSecond, err := m.Project(point, 1, 0)
		test.That(t, err, test.ShouldBeNil)
		onFirst, err := m.Project(rotatedPoint, 0, 0)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, onSecond.X, test.ShouldAlmostEqual, onFirst.X, 1e-9)
		test.That(t, onSecond.Y, test.ShouldAlmostEqual, onFirst.Y, 1e-9)

		_, err = m.Project(point, 2, 0)
		test.That(t, err, test.ShouldNotBeNil)
	})

	t.Run("single misalignment ignores the image", func(t *testing.T) {
		m := newTestModel(t)
		a, err := m.Project(testCameraPoints[1], 0, 0)
		test.That(t, err, test.ShouldBeNil)
		b, err := m.Project(testCameraPoints[1], 7, 0)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, a, test.ShouldResemble, b)
	})
}

func TestPixelsToGnomic(t *testing.T) {
	m := newTestModel(t)
	const temperature = -5.

	gnomic, _, pixels, err := m.GetProjections(testCameraPoints, 0, temperature)
	test.That(t, err, test.ShouldBeNil)
	recovered, err := m.PixelsToGnomic(pixels, temperature)
	test.That(t, err, test.ShouldBeNil)
	for i := range gnomic {
		test.That(t, recovered[i].X, test.ShouldAlmostEqual, gnomic[i].X, 1e-10)
		test.That(t, recovered[i].Y, test.ShouldAlmostEqual, gnomic[i].Y, 1e-10)
	}

	units, err := m.PixelsToUnit(pixels, 0, temperature)
	test.That(t, err, test.ShouldBeNil)
	for i, p := range testCameraPoints {
		expected := p.Normalize()
		test.That(t, units[i].X, test.ShouldAlmostEqual, expected.X, 1e-9)
		test.That(t, units[i].Y, test.ShouldAlmostEqual, expected.Y, 1e-9)
		test.That(t, units[i].Z, test.ShouldAlmostEqual, expected.Z, 1e-9)
	}
}

func TestPixelsToGnomicParallel(t *testing.T) {
	m := newTestModel(t)
	pixels := make([]r2.Point, 0, parallelUndistortThreshold+10)
	for row := 0; len(pixels) < cap(pixels); row++ {
		for col := 0; col < 128 && len(pixels) < cap(pixels); col++ {
			pixels = append(pixels, r2.Point{X: float64(col), Y: float64(row%96) + 0.5})
		}
	}
	batch, err := m.PixelsToGnomic(pixels, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, batch, test.ShouldHaveLength, len(pixels))
	for _, i := range []int{0, 1, 777, parallelUndistortThreshold - 1, len(pixels) - 1} {
		single, err := m.PixelsToGnomic(pixels[i:i+1], 0)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, batch[i], test.ShouldResemble, single[0])
	}
}

func TestConvergenceWarning(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	m, err := NewOpenCVModel(OpenCVModelConfig{
		Intrinsics:             PinholeCameraIntrinsics{Width: 10, Height: 10, Fx: 1, Fy: 1},
		DistortionCoefficients: []float64{-1. / 3},
	}, logger)
	test.That(t, err, test.ShouldBeNil)

	gnomic, err := m.PixelsToGnomic([]r2.Point{{X: 0.1, Y: 0}, {X: 2. / 3, Y: 0}}, 0)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, IsConvergenceWarning(err), test.ShouldBeTrue)
	warning, ok := err.(*ConvergenceWarning)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, warning.Failed, test.ShouldEqual, 1)
	test.That(t, warning.Total, test.ShouldEqual, 2)
	test.That(t, gnomic, test.ShouldHaveLength, 2)
	test.That(t, gnomic[1].X, test.ShouldAlmostEqual, 1, 1e-3)

	warnings := logs.FilterLevelExact(zapcore.WarnLevel).FilterMessageSnippet("did not converge")
	test.That(t, warnings.Len(), test.ShouldEqual, 1)
}

func TestFieldOfView(t *testing.T) {
	m, err := NewOpenCVModel(OpenCVModelConfig{
		Intrinsics: PinholeCameraIntrinsics{Width: 201, Height: 101, Fx: 100, Fy: 100, Ppx: 100, Ppy: 50},
	}, nil)
	test.That(t, err, test.ShouldBeNil)
	fov, err := m.FieldOfView()
	test.That(t, err, test.ShouldBeNil)
	expected := math.Atan(math.Hypot(1, 0.5)) * 180 / math.Pi
	test.That(t, fov, test.ShouldAlmostEqual, expected, 1e-9)

	cfg := m.Config()
	cfg.FieldOfView = 12.5
	m, err = NewOpenCVModel(cfg, nil)
	test.That(t, err, test.ShouldBeNil)
	fov, err = m.FieldOfView()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fov, test.ShouldEqual, 12.5)
}

func TestConcurrentAccess(t *testing.T) {
	m := newTestModel(t)
	pixels := []r2.Point{{X: 10, Y: 10}, {X: 60, Y: 40}, {X: 120, Y: 90}}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := m.PixelsToGnomicInterp(pixels, 0); err != nil {
					errs <- err
				}
				if _, err := m.ProjectOntoImage(testCameraPoints, 0, 0); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 5; j++ {
			m.SetDistortionCoefficient(K1, -0.2+float64(j)*1e-3)
			if err := m.PrepareInterp(context.Background(), InterpolationConfig{
				PixelBounds: 2, PixelStep: 4, TemperatureStep: 1,
			}); err != nil {
				errs <- err
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		test.That(t, err, test.ShouldBeNil)
	}
	test.That(t, m.InterpolationStatus(), test.ShouldEqual, InterpolationValid)
}

package transform

import (
	"context"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/cameramodel/logging"
	"go.viam.com/cameramodel/spatialmath"
)

func smallInterpolationConfig() InterpolationConfig {
	return InterpolationConfig{PixelBounds: 2, PixelStep: 4, TemperatureStep: 1}
}

// offGridPixels returns pixels that are not grid nodes spread over a width x height detector.
func offGridPixels(width, height int) []r2.Point {
	var pixels []r2.Point
	for row := 0.; row < float64(height); row += float64(height) / 7 {
		for col := 0.; col < float64(width); col += float64(width) / 9 {
			pixels = append(pixels, r2.Point{X: col + 0.37, Y: row + 0.61})
		}
	}
	return pixels
}

func r3FromGnomic(g r2.Point) r3.Vector {
	return r3.Vector{X: g.X, Y: g.Y, Z: 1}
}

func maxPixelError(interp, exact []r2.Point, focal float64) float64 {
	var worst float64
	for i := range interp {
		worst = math.Max(worst, interp[i].Sub(exact[i]).Norm()*focal)
	}
	return worst
}

func TestInterpolationConfigValidate(t *testing.T) {
	test.That(t, DefaultInterpolationConfig().Validate(), test.ShouldBeNil)
	test.That(t, smallInterpolationConfig().Validate(), test.ShouldBeNil)

	cfg := InterpolationConfig{
		PixelBounds:     -1,
		PixelStep:       0,
		TemperatureMin:  5,
		TemperatureMax:  -5,
		TemperatureStep: math.NaN(),
	}
	err := cfg.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	for _, msg := range []string{"pixel_bounds", "pixel_step", "temperature_max", "temperature_step is not finite"} {
		test.That(t, err.Error(), test.ShouldContainSubstring, msg)
	}
}

func TestPrepareInterpAccuracy(t *testing.T) {
	m, err := NewOpenCVModel(OpenCVModelConfig{
		Intrinsics:             PinholeCameraIntrinsics{Width: 320, Height: 240, Fx: 1000, Fy: 1000, Ppx: 160, Ppy: 120},
		DistortionCoefficients: []float64{-0.2, 0.05, 0, 0, 0, 0, 1e-3, -1e-3},
	}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, m.PrepareInterp(context.Background(), DefaultInterpolationConfig()), test.ShouldBeNil)
	test.That(t, m.InterpolationStatus(), test.ShouldEqual, InterpolationValid)
	cfg, ok := m.InterpolationConfig()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, cfg, test.ShouldResemble, DefaultInterpolationConfig())

	pixels := offGridPixels(320, 240)
	interp, err := m.PixelsToGnomicInterp(pixels, DefaultTemperature)
	test.That(t, err, test.ShouldBeNil)
	exact, err := m.PixelsToGnomic(pixels, DefaultTemperature)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, maxPixelError(interp, exact, 1000), test.ShouldBeLessThan, 1e-3)

	// the interpolated location reprojects onto the pixel
	for i, g := range interp {
		p, err := m.Project(r3FromGnomic(g), 0, DefaultTemperature)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, p.Sub(pixels[i]).Norm(), test.ShouldBeLessThan, 1e-3)
	}
}

func TestInterpolationNodesAreExact(t *testing.T) {
	m := newTestModel(t)
	test.That(t, m.PrepareInterp(context.Background(), InterpolationConfig{
		PixelBounds: 0, PixelStep: 1, TemperatureStep: 1,
	}), test.ShouldBeNil)
	nodes := []r2.Point{{X: 0, Y: 0}, {X: 17, Y: 33}, {X: 128, Y: 96}}
	interp, err := m.PixelsToGnomicInterp(nodes, 0)
	test.That(t, err, test.ShouldBeNil)
	exact, err := m.PixelsToGnomic(nodes, 0)
	test.That(t, err, test.ShouldBeNil)
	for i := range nodes {
		test.That(t, interp[i].X, test.ShouldAlmostEqual, exact[i].X, 1e-15)
		test.That(t, interp[i].Y, test.ShouldAlmostEqual, exact[i].Y, 1e-15)
	}
}

func TestInterpolationTemperature(t *testing.T) {
	m := newTestModel(t)
	test.That(t, m.PrepareInterp(context.Background(), InterpolationConfig{
		PixelBounds: 1, PixelStep: 0.5, TemperatureMin: -10, TemperatureMax: 10, TemperatureStep: 2.5,
	}), test.ShouldBeNil)

	pixels := offGridPixels(128, 96)
	for _, temperature := range []float64{-10, -3.3, 0, 7.5, 10} {
		interp, err := m.PixelsToGnomicInterp(pixels, temperature)
		test.That(t, err, test.ShouldBeNil)
		exact, err := m.PixelsToGnomic(pixels, temperature)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, maxPixelError(interp, exact, 150), test.ShouldBeLessThan, 1e-3)
	}

	t.Run("outside the grid falls back to the exact inverse", func(t *testing.T) {
		outside := []r2.Point{{X: -20, Y: 10}, {X: 10, Y: 200}, {X: 64, Y: 48}}
		interp, err := m.PixelsToGnomicInterp(outside, 0)
		test.That(t, err, test.ShouldBeNil)
		exact, err := m.PixelsToGnomic(outside, 0)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, interp[0], test.ShouldResemble, exact[0])
		test.That(t, interp[1], test.ShouldResemble, exact[1])

		interp, err = m.PixelsToGnomicInterp(outside, 25)
		test.That(t, err, test.ShouldBeNil)
		exact, err = m.PixelsToGnomic(outside, 25)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, interp, test.ShouldResemble, exact)
	})
}

func TestInterpolationInvalidation(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	m, err := NewOpenCVModel(testModelConfig(), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.PrepareInterp(context.Background(), smallInterpolationConfig()), test.ShouldBeNil)

	pixels := offGridPixels(128, 96)
	cached, err := m.PixelsToGnomicInterp(pixels, 0)
	test.That(t, err, test.ShouldBeNil)

	// misalignments do not take part in the pixel to gnomic map
	m.SetMisalignment(spatialmath.NewRotationFromVector(r3.Vector{Z: 0.1}))
	test.That(t, m.InterpolationStatus(), test.ShouldEqual, InterpolationValid)

	m.SetDistortionCoefficient(K1, -0.1)
	test.That(t, m.InterpolationStatus(), test.ShouldEqual, InterpolationStale)
	test.That(t, logs.FilterMessageSnippet("stale").Len(), test.ShouldEqual, 1)

	afterChange, err := m.PixelsToGnomicInterp(pixels, 0)
	test.That(t, err, test.ShouldBeNil)
	exact, err := m.PixelsToGnomic(pixels, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, afterChange, test.ShouldResemble, exact)
	test.That(t, maxPixelError(cached, exact, 150), test.ShouldBeGreaterThan, 1e-2)

	// further changes do not log again
	m.SetTemperatureCoefficients([3]float64{1e-3, 0, 0})
	test.That(t, logs.FilterMessageSnippet("stale").Len(), test.ShouldEqual, 1)

	test.That(t, m.PrepareInterp(context.Background(), smallInterpolationConfig()), test.ShouldBeNil)
	test.That(t, m.InterpolationStatus(), test.ShouldEqual, InterpolationValid)

	test.That(t, m.SetIntrinsics(m.Intrinsics()), test.ShouldBeNil)
	test.That(t, m.InterpolationStatus(), test.ShouldEqual, InterpolationStale)
	test.That(t, m.String(), test.ShouldContainSubstring, "interpolation: stale")

	m.DiscardInterp()
	test.That(t, m.InterpolationStatus(), test.ShouldEqual, InterpolationAbsent)
	_, ok := m.InterpolationConfig()
	test.That(t, ok, test.ShouldBeFalse)
}

func TestInterpolationNaNQueries(t *testing.T) {
	m := newTestModel(t)
	test.That(t, m.PrepareInterp(context.Background(), InterpolationConfig{
		PixelBounds: 1, PixelStep: 4, TemperatureMin: -5, TemperatureMax: 5, TemperatureStep: 5,
	}), test.ShouldBeNil)

	inside := r2.Point{X: 20.5, Y: 30.25}
	want, err := m.PixelsToGnomicInterp([]r2.Point{inside}, 0)
	test.That(t, err, test.ShouldBeNil)

	for _, tc := range []struct {
		name        string
		pixel       r2.Point
		temperature float64
	}{
		{"nan column", r2.Point{X: math.NaN(), Y: 10}, 0},
		{"nan row", r2.Point{X: 10, Y: math.NaN()}, 0},
		{"nan temperature", inside, math.NaN()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := m.PixelsToGnomicInterp([]r2.Point{tc.pixel, inside}, tc.temperature)
			test.That(t, IsConvergenceWarning(err), test.ShouldBeTrue)
			test.That(t, got, test.ShouldHaveLength, 2)
			test.That(t, math.IsNaN(got[0].X), test.ShouldBeTrue)
			test.That(t, math.IsNaN(got[0].Y), test.ShouldBeTrue)
			if !math.IsNaN(tc.temperature) {
				test.That(t, got[1], test.ShouldResemble, want[0])
			}

			units, err := m.PixelsToUnit([]r2.Point{tc.pixel}, 0, tc.temperature)
			test.That(t, IsConvergenceWarning(err), test.ShouldBeTrue)
			test.That(t, math.IsNaN(units[0].Z), test.ShouldBeTrue)
		})
	}
}

func TestPrepareInterpCancelled(t *testing.T) {
	m := newTestModel(t)
	test.That(t, m.PrepareInterp(context.Background(), smallInterpolationConfig()), test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.PrepareInterp(ctx, DefaultInterpolationConfig())
	test.That(t, err, test.ShouldEqual, context.Canceled)
	test.That(t, m.InterpolationStatus(), test.ShouldEqual, InterpolationAbsent)

	err = m.PrepareInterp(context.Background(), InterpolationConfig{PixelStep: -1})
	test.That(t, err, test.ShouldNotBeNil)
}

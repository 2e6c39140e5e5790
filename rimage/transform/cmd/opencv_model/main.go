// Package main is a command line tool for inspecting OpenCV camera models and precomputing their
// interpolation grids.
package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"go.viam.com/cameramodel/logging"
	"go.viam.com/cameramodel/rimage/transform"
	"go.viam.com/cameramodel/utils"
)

const (
	// Flags.
	flagModel           = "model"
	flagOut             = "out"
	flagImage           = "image"
	flagTemperature     = "temperature"
	flagPixelBounds     = "pixel-bounds"
	flagPixelStep       = "pixel-step"
	flagTemperatureMin  = "temperature-min"
	flagTemperatureMax  = "temperature-max"
	flagTemperatureStep = "temperature-step"
	flagSamples         = "samples"
	flagSeed            = "seed"
	flagGrid            = "grid"
	flagScale           = "scale"
)

func main() {
	logger := logging.NewLogger("opencv_model")
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp(logger, os.Stdout).RunContext(ctx, os.Args); err != nil {
		logger.Error(err)
		cancel()
		//nolint:gocritic
		os.Exit(1)
	}
}

func modelFlag() cli.Flag {
	return &cli.PathFlag{
		Name:     flagModel,
		Aliases:  []string{"m"},
		Usage:    "camera model JSON file",
		Required: true,
	}
}

func imageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: flagImage, Usage: "image index, used with per-image misalignments"},
		&cli.Float64Flag{Name: flagTemperature, Aliases: []string{"t"}, Value: transform.DefaultTemperature},
	}
}

func newApp(logger logging.Logger, out io.Writer) *cli.App {
	a := &app{logger: logger}
	return &cli.App{
		Name:      "opencv_model",
		Usage:     "inspect OpenCV camera models",
		Writer:    out,
		ErrWriter: out,
		Commands: []*cli.Command{
			{
				Name:   "describe",
				Usage:  "print the parameters of a camera model",
				Flags:  []cli.Flag{modelFlag()},
				Action: a.describe,
			},
			{
				Name:      "project",
				Usage:     "project camera-frame points onto the image",
				ArgsUsage: "x,y,z [x,y,z ...]",
				Flags:     append([]cli.Flag{modelFlag()}, imageFlags()...),
				Action:    a.project,
			},
			{
				Name:      "undistort",
				Usage:     "compute the gnomic location and line of sight of pixels",
				ArgsUsage: "column,row [column,row ...]",
				Flags:     append([]cli.Flag{modelFlag()}, imageFlags()...),
				Action:    a.undistort,
			},
			{
				Name:  "prepare-interp",
				Usage: "precompute the interpolation grid and save it with the model",
				Flags: []cli.Flag{
					modelFlag(),
					&cli.PathFlag{Name: flagOut, Aliases: []string{"o"}, Usage: "output file, defaults to the model file"},
					&cli.Float64Flag{Name: flagPixelBounds, Value: transform.DefaultInterpolationConfig().PixelBounds},
					&cli.Float64Flag{Name: flagPixelStep, Value: transform.DefaultInterpolationConfig().PixelStep},
					&cli.Float64Flag{Name: flagTemperatureMin, Value: transform.DefaultInterpolationConfig().TemperatureMin},
					&cli.Float64Flag{Name: flagTemperatureMax, Value: transform.DefaultInterpolationConfig().TemperatureMax},
					&cli.Float64Flag{Name: flagTemperatureStep, Value: transform.DefaultInterpolationConfig().TemperatureStep},
				},
				Action: a.prepareInterp,
			},
			{
				Name:  "verify-interp",
				Usage: "compare the interpolation grid against the exact inverse at random pixels",
				Flags: []cli.Flag{
					modelFlag(),
					&cli.IntFlag{Name: flagSamples, Value: 1000},
					&cli.Int64Flag{Name: flagSeed, Value: 1},
					&cli.Float64Flag{Name: flagTemperature, Aliases: []string{"t"}, Value: transform.DefaultTemperature},
				},
				Action: a.verifyInterp,
			},
			{
				Name:  "plot-distortion",
				Usage: "draw the distortion of a grid of pixels as a vector field",
				Flags: []cli.Flag{
					modelFlag(),
					&cli.PathFlag{Name: flagOut, Aliases: []string{"o"}, Required: true, Usage: "output image, e.g. distortion.png"},
					&cli.IntFlag{Name: flagGrid, Value: 15, Usage: "number of arrows along each axis"},
					&cli.Float64Flag{Name: flagScale, Value: 1, Usage: "arrow length multiplier"},
				},
				Action: a.plotDistortion,
			},
		},
	}
}

type app struct {
	logger logging.Logger
}

func (a *app) loadModel(c *cli.Context) (*transform.OpenCVModel, error) {
	return transform.NewOpenCVModelFromJSONFile(c.Path(flagModel), a.logger.Sublogger("model"))
}

// parseArgs parses every positional argument as a comma separated list of exactly n numbers.
func parseArgs(c *cli.Context, n int) ([][]float64, error) {
	if c.NArg() == 0 {
		return nil, errors.Errorf("expected at least one argument of %d comma separated values", n)
	}
	out := make([][]float64, 0, c.NArg())
	for _, s := range c.Args().Slice() {
		v, err := parseFloats(s, n)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// parseFloats parses a comma separated list of exactly n numbers.
func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, errors.Errorf("expected %d comma separated values, got %q", n, s)
	}
	out := make([]float64, n)
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "bad value in %q", s)
		}
		out[i] = v
	}
	return out, nil
}

func (a *app) describe(c *cli.Context) error {
	model, err := a.loadModel(c)
	if err != nil {
		return err
	}
	indices, err := model.ResolveEstimationParameters()
	if err != nil {
		return err
	}
	estimated := lo.SliceToMap(indices.Scalars, func(idx int) (int, bool) { return idx, true })

	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "Parameter", "Value", "Estimated"})
	labels := model.StateLabels()
	for i, v := range model.StateVector() {
		isEstimated := estimated[i] || (i >= transform.StateMisalignment && indices.Misalignment)
		t.AppendRow(table.Row{i, labels[i], strconv.FormatFloat(v, 'g', -1, 64), lo.Ternary(isEstimated, "yes", "")})
	}
	intrinsics := model.Intrinsics()
	fov, err := model.FieldOfView()
	if err != nil {
		return err
	}
	t.AppendSeparator()
	t.AppendRow(table.Row{"", "detector", fmt.Sprintf("%dx%d", intrinsics.Width, intrinsics.Height), ""})
	t.AppendRow(table.Row{"", "field of view", fmt.Sprintf("%.4f deg", fov), ""})
	t.AppendRow(table.Row{"", "interpolation", model.InterpolationStatus(), ""})

	fmt.Fprintln(c.App.Writer, t.Render())
	return nil
}

func (a *app) project(c *cli.Context) error {
	model, err := a.loadModel(c)
	if err != nil {
		return err
	}
	args, err := parseArgs(c, 3)
	if err != nil {
		return err
	}
	points := lo.Map(args, func(v []float64, _ int) r3.Vector { return r3.Vector{X: v[0], Y: v[1], Z: v[2]} })
	pixels, err := model.ProjectOntoImage(points, c.Int(flagImage), c.Float64(flagTemperature))
	if err != nil {
		return err
	}
	for i, p := range pixels {
		fmt.Fprintf(c.App.Writer, "%v -> (%.6f, %.6f)\n", points[i], p.X, p.Y)
	}
	return nil
}

func (a *app) undistort(c *cli.Context) error {
	model, err := a.loadModel(c)
	if err != nil {
		return err
	}
	args, err := parseArgs(c, 2)
	if err != nil {
		return err
	}
	pixels := lo.Map(args, func(v []float64, _ int) r2.Point { return r2.Point{X: v[0], Y: v[1]} })
	temperature := c.Float64(flagTemperature)
	gnomic, err := model.PixelsToGnomicInterp(pixels, temperature)
	if err != nil && !transform.IsConvergenceWarning(err) {
		return err
	}
	if err != nil {
		a.logger.Warn(err)
	}
	units, err := model.PixelsToUnit(pixels, c.Int(flagImage), temperature)
	if err != nil && !transform.IsConvergenceWarning(err) {
		return err
	}
	for i, p := range pixels {
		fmt.Fprintf(c.App.Writer, "(%g, %g) -> gnomic (%.9f, %.9f) unit (%.9f, %.9f, %.9f)\n",
			p.X, p.Y, gnomic[i].X, gnomic[i].Y, units[i].X, units[i].Y, units[i].Z)
	}
	return nil
}

func (a *app) prepareInterp(c *cli.Context) error {
	model, err := a.loadModel(c)
	if err != nil {
		return err
	}
	cfg := transform.InterpolationConfig{
		PixelBounds:     c.Float64(flagPixelBounds),
		PixelStep:       c.Float64(flagPixelStep),
		TemperatureMin:  c.Float64(flagTemperatureMin),
		TemperatureMax:  c.Float64(flagTemperatureMax),
		TemperatureStep: c.Float64(flagTemperatureStep),
	}
	if err := model.PrepareInterp(c.Context, cfg); err != nil {
		return err
	}
	out := c.Path(flagOut)
	if out == "" {
		out = c.Path(flagModel)
	}
	if err := model.SaveToFile(out); err != nil {
		return err
	}
	a.logger.Infow("saved camera model with interpolation grid", "file", out)
	return nil
}

func (a *app) verifyInterp(c *cli.Context) error {
	model, err := a.loadModel(c)
	if err != nil {
		return err
	}
	if status := model.InterpolationStatus(); status != transform.InterpolationValid {
		return errors.Errorf("model has no usable interpolation grid (%s), run prepare-interp first", status)
	}
	n := c.Int(flagSamples)
	if n <= 0 {
		return errors.New("samples must be positive")
	}

	intrinsics := model.Intrinsics()
	//nolint:gosec
	rng := rand.New(rand.NewSource(c.Int64(flagSeed)))
	pixels := make([]r2.Point, n)
	for i := range pixels {
		pixels[i] = r2.Point{
			X: rng.Float64() * float64(intrinsics.Width-1),
			Y: rng.Float64() * float64(intrinsics.Height-1),
		}
	}

	temperature := c.Float64(flagTemperature)
	interp, err := model.PixelsToGnomicInterp(pixels, temperature)
	if err != nil && !transform.IsConvergenceWarning(err) {
		return err
	}
	exact, err := model.PixelsToGnomic(pixels, temperature)
	if err != nil && !transform.IsConvergenceWarning(err) {
		return err
	}

	// compare in pixels by reprojecting the difference through the focal lengths
	errs := make([]float64, n)
	for i := range errs {
		d := interp[i].Sub(exact[i])
		errs[i] = math.Hypot(d.X*intrinsics.Fx, d.Y*intrinsics.Fy)
	}
	mean, std := stat.MeanStdDev(errs, nil)
	fmt.Fprintf(c.App.Writer, "samples: %d\nmean error: %.3g px\nstd dev: %.3g px\nmax error: %.3g px\n",
		n, mean, std, floats.Max(errs))
	return nil
}

func (a *app) plotDistortion(c *cli.Context) error {
	model, err := a.loadModel(c)
	if err != nil {
		return err
	}
	grid := c.Int(flagGrid)
	if grid < 2 {
		return errors.New("grid must be at least 2")
	}
	scale := c.Float64(flagScale)

	distortion := model.Distortion()
	distorter, err := transform.NewDistorter(transform.OpenCVDistortionType, distortion.Parameters())
	if err != nil {
		return err
	}
	intrinsics := model.Intrinsics()
	cols, err := utils.ArangeInclusive(0, float64(intrinsics.Width-1), float64(intrinsics.Width-1)/float64(grid-1))
	if err != nil {
		return err
	}
	rows, err := utils.ArangeInclusive(0, float64(intrinsics.Height-1), float64(intrinsics.Height-1)/float64(grid-1))
	if err != nil {
		return err
	}

	p := plot.New()
	p.Title.Text = "distortion"
	p.X.Label.Text = "column (px)"
	p.Y.Label.Text = "row (px)"
	p.Y.Scale = plot.InvertedScale{Normalizer: plot.LinearScale{}}

	var starts plotter.XYs
	for _, row := range rows {
		for _, col := range cols {
			undistorted := intrinsics.PixelToImagePlane(r2.Point{X: col, Y: row})
			x, y := distorter.Transform(undistorted.X, undistorted.Y)
			distorted := intrinsics.ImagePlaneToPixel(r2.Point{X: x, Y: y})
			end := r2.Point{X: col, Y: row}.Add(distorted.Sub(r2.Point{X: col, Y: row}).Mul(scale))

			arrow, err := plotter.NewLine(plotter.XYs{{X: col, Y: row}, {X: end.X, Y: end.Y}})
			if err != nil {
				return err
			}
			arrow.Width = vg.Points(1)
			p.Add(arrow)
			starts = append(starts, plotter.XY{X: col, Y: row})
		}
	}
	scatter, err := plotter.NewScatter(starts)
	if err != nil {
		return err
	}
	scatter.GlyphStyle.Radius = vg.Points(1.5)
	p.Add(scatter)

	out := c.Path(flagOut)
	if err := p.Save(8*vg.Inch, 6*vg.Inch, out); err != nil {
		return errors.Wrap(err, "error saving distortion plot")
	}
	a.logger.Infow("saved distortion plot", "file", out)
	return nil
}

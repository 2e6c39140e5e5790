package transform

import (
	"fmt"
	"io"
	"os"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"
)

// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intriniscs are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// PinholeCameraIntrinsics holds the parameters of the linear map from image plane coordinates to
// pixels, [[fx, alpha, ppx], [0, fy, ppy]], and the size of the detector.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Alpha  float64 `json:"alpha,omitempty"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid size (%#v, %#v)", params.Width, params.Height))
	}
	if params.Fx <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if params.Fy <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	return nil
}

func readJSONFile(jsonPath string) ([]byte, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		err = errors.Wrap(err, "error opening JSON file")
		return nil, err
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	// read our opened jsonFile as a byte array.
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		err = errors.Wrap(err, "error reading JSON data")
		return nil, err
	}
	return byteValue, nil
}

// linearPart returns the entries of the upper triangular 2x2 part of the intrinsic matrix.
func (params *PinholeCameraIntrinsics) linearPart() *mat.Dense {
	return mat.NewDense(2, 2, []float64{params.Fx, params.Alpha, 0, params.Fy})
}

// linearPartApply multiplies p by the linear part of the intrinsic matrix.
func (params *PinholeCameraIntrinsics) linearPartApply(p r2.Point) r2.Point {
	return r2.Point{X: params.Fx*p.X + params.Alpha*p.Y, Y: params.Fy * p.Y}
}

// ImagePlaneToPixel applies the intrinsic matrix to an image plane location.
func (params *PinholeCameraIntrinsics) ImagePlaneToPixel(p r2.Point) r2.Point {
	return r2.Point{
		X: params.Fx*p.X + params.Alpha*p.Y + params.Ppx,
		Y: params.Fy*p.Y + params.Ppy,
	}
}

// PixelToImagePlane applies the inverse of the intrinsic matrix to a pixel location.
func (params *PinholeCameraIntrinsics) PixelToImagePlane(p r2.Point) r2.Point {
	y := (p.Y - params.Ppy) / params.Fy
	return r2.Point{
		X: (p.X - params.Ppx - params.Alpha*y) / params.Fx,
		Y: y,
	}
}

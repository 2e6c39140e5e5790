package transform

import "github.com/pkg/errors"

// DistortionType is the name of the distortion model.
type DistortionType string

// OpenCVDistortionType is the rational radial, tangential and thin prism model with twelve coefficients.
const OpenCVDistortionType = DistortionType("opencv")

// Distorter defines a Transform that takes an undistorted image location and distorts it according to the model.
type Distorter interface {
	ModelType() DistortionType
	CheckValid() error
	Parameters() []float64
	Transform(x, y float64) (float64, float64)
}

// InvalidDistortionError is used when the distortion_parameters are invalid.
func InvalidDistortionError(msg string) error {
	return errors.Wrap(errors.New("invalid distortion_parameters"), msg)
}

// NewDistorter returns a Distorter given a valid DistortionType and its parameters.
func NewDistorter(distortionType DistortionType, parameters []float64) (Distorter, error) {
	switch distortionType {
	case OpenCVDistortionType:
		d, err := NewOpenCVDistortion(parameters)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, errors.Errorf("do not know how to parse %q distortion model", distortionType)
	}
}

package transform

import (
	"github.com/golang/geo/r3"

	"go.viam.com/cameramodel/spatialmath"
)

// ApplyUpdate applies a calibration step to the parameters selected for estimation. delta follows
// the column order of ComputeJacobian. Scalar parameters are updated by addition. The misalignment
// block holds one rotation vector per misalignment and each is applied by composition,
// new = Rotation(delta) ∘ old.
func (m *OpenCVModel) ApplyUpdate(delta []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	indices, err := m.resolveLocked()
	if err != nil {
		return err
	}
	if len(delta) != indices.Len() {
		return &DimensionError{What: "update vector", Expected: indices.Len(), Actual: len(delta)}
	}

	offset := 0
	for _, elem := range indices.Elements() {
		switch elem.Kind {
		case AdditiveElement:
			m.addToStateLocked(elem.Index, delta[offset])
			offset++
		case MisalignmentElement:
			m.composeMisalignmentsLocked(delta[offset:])
			m.invalidate()
			return nil
		}
	}
	m.invalidate()
	return nil
}

func (m *OpenCVModel) composeMisalignmentsLocked(block []float64) {
	for i := range m.misalignments {
		v := r3.Vector{X: block[3*i], Y: block[3*i+1], Z: block[3*i+2]}
		m.misalignments[i] = spatialmath.NewRotationFromVector(v).Compose(m.misalignments[i])
	}
}

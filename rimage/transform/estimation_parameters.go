package transform

import (
	"strings"

	"github.com/samber/lo"
)

// Indices into the state vector of an OpenCVModel. The misalignment occupies three entries per
// misalignment starting at StateMisalignment.
const (
	StateFx = iota
	StateFy
	StateAlpha
	StatePx
	StatePy
	StateK1
	StateK2
	StateK3
	StateK4
	StateK5
	StateK6
	StateP1
	StateP2
	StateS1
	StateS2
	StateS3
	StateS4
	StateA1
	StateA2
	StateA3
	StateMisalignment
)

var stateLabels = [StateMisalignment]string{
	"fx", "fy", "alpha", "px", "py",
	"k1", "k2", "k3", "k4", "k5", "k6", "p1", "p2", "s1", "s2", "s3", "s4",
	"a1", "a2", "a3",
}

// ElementKind says how an update to a state element is applied.
type ElementKind int

const (
	// AdditiveElement is a scalar parameter updated by addition.
	AdditiveElement ElementKind = iota
	// MisalignmentElement is the block of rotation vectors updated by rotation composition.
	MisalignmentElement
)

// StateElement is one entry of a resolved estimation selection.
type StateElement struct {
	Kind ElementKind
	// Index is the state vector index of an AdditiveElement. For a MisalignmentElement it is
	// StateMisalignment.
	Index int
}

type misalignmentSelection int

const (
	noMisalignment misalignmentSelection = iota
	configuredMisalignment
	singleMisalignment
	multipleMisalignments
)

type estimationGroup struct {
	scalars      []int
	misalignment misalignmentSelection
}

func scalarRange(from, to int) []int {
	return lo.RangeFrom(from, to-from)
}

var basicIntrinsic = append([]int{StateFx, StateFy, StateAlpha}, scalarRange(StateK1, StateA1)...)

var estimationGroups = map[string]estimationGroup{
	"basic":                  {scalars: basicIntrinsic, misalignment: configuredMisalignment},
	"intrinsic":              {scalars: scalarRange(StateFx, StateA1)},
	"no prism":               {scalars: scalarRange(StateFx, StateS1)},
	"basic intrinsic":        {scalars: basicIntrinsic},
	"temperature dependence": {scalars: []int{StateA1, StateA2, StateA3}},
	"kx":                     {scalars: []int{StateFx}},
	"ky":                     {scalars: []int{StateFy}},
	"kxy":                    {scalars: []int{StateAlpha}},
	"single misalignment":    {misalignment: singleMisalignment},
	"multiple misalignments": {misalignment: multipleMisalignments},
}

func init() {
	for i, label := range stateLabels {
		estimationGroups[label] = estimationGroup{scalars: []int{i}}
	}
	for name, c := range distortionCoefficientsByName {
		estimationGroups[name] = estimationGroup{scalars: []int{StateK1 + int(c)}}
	}
}

// EstimationIndices is a resolved estimation parameter selection. Scalars holds the additive state
// indices in order; when Misalignment is set the misalignment block follows them.
type EstimationIndices struct {
	Scalars          []int
	Misalignment     bool
	NumMisalignments int
}

// Len returns the number of entries an update vector for this selection must have.
func (ei EstimationIndices) Len() int {
	n := len(ei.Scalars)
	if ei.Misalignment {
		n += 3 * ei.NumMisalignments
	}
	return n
}

// Elements returns the selection as tagged elements, misalignment last.
func (ei EstimationIndices) Elements() []StateElement {
	elems := lo.Map(ei.Scalars, func(idx, _ int) StateElement {
		return StateElement{Kind: AdditiveElement, Index: idx}
	})
	if ei.Misalignment {
		elems = append(elems, StateElement{Kind: MisalignmentElement, Index: StateMisalignment})
	}
	return elems
}

// ResolveEstimationParameters maps estimation parameter names to state indices. numMisalignments is
// the number of configured misalignments and multiple says whether they are per image.
// Names are case insensitive. Indices selected more than once keep their first position, and the
// misalignment block is always placed after every scalar.
func ResolveEstimationParameters(names []string, numMisalignments int, multiple bool) (EstimationIndices, error) {
	var (
		scalars   []int
		selection = noMisalignment
	)
	for _, name := range names {
		group, ok := estimationGroups[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return EstimationIndices{}, NewConfigurationError("unknown estimation parameter %q", name)
		}
		scalars = append(scalars, group.scalars...)

		switch group.misalignment {
		case noMisalignment:
		case configuredMisalignment:
			if selection == noMisalignment {
				selection = configuredMisalignment
			}
		case singleMisalignment, multipleMisalignments:
			if selection == singleMisalignment || selection == multipleMisalignments {
				if selection != group.misalignment {
					return EstimationIndices{}, NewConfigurationError(
						"cannot estimate both a single misalignment and multiple misalignments")
				}
			}
			selection = group.misalignment
		}
	}

	switch selection {
	case noMisalignment, configuredMisalignment:
	case singleMisalignment:
		if multiple {
			return EstimationIndices{}, NewConfigurationError(
				"single misalignment requested but %d per-image misalignments are configured", numMisalignments)
		}
	case multipleMisalignments:
		if !multiple {
			return EstimationIndices{}, NewConfigurationError(
				"multiple misalignments requested but only a single misalignment is configured")
		}
	}

	return EstimationIndices{
		Scalars:          lo.Uniq(scalars),
		Misalignment:     selection != noMisalignment,
		NumMisalignments: numMisalignments,
	}, nil
}

// StateLabel returns the name of a state vector index.
func StateLabel(idx int) string {
	if idx < 0 {
		return "unknown"
	}
	if idx >= StateMisalignment {
		return "misalignment"
	}
	return stateLabels[idx]
}

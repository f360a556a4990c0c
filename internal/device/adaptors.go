package device

import (
	"math"

	"github.com/GoSim-25-26J-441/optics-tuner/internal/model"
	"github.com/GoSim-25-26J-441/optics-tuner/internal/params"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/utils"
)

// Parameter kind names, as they appear in live parameter names
const (
	NameField     = "Field"
	NameAmplitude = "Amplitude"
	NamePhase     = "Phase"
)

// Process-wide adaptors, one per parameter kind
var (
	FieldAdaptor     params.TypeAdaptor = fieldAdaptor{}
	AmplitudeAdaptor params.TypeAdaptor = amplitudeAdaptor{}
	PhaseAdaptor     params.TypeAdaptor = phaseAdaptor{}
)

// fieldAdaptor drives electromagnet fields. Magnets on one supply share a core.
type fieldAdaptor struct{}

func (fieldAdaptor) Name() string { return NameField }
func (fieldAdaptor) Accessor() string { return model.PropertyField }
func (fieldAdaptor) Uploadable() bool { return true }

func (fieldAdaptor) ControlIdentity(n params.Node) string {
	spec := specOf(n)
	if spec.Supply != "" {
		return spec.Supply + ":B_Set"
	}
	return spec.ID + ":B_Set"
}

func (fieldAdaptor) DesignValue(n params.Node) float64 {
	return specOf(n).Field
}

// DesignLimits uses the lattice limits when given, else 50% either side of design
func (fieldAdaptor) DesignLimits(n params.Node, design float64) [2]float64 {
	spec := specOf(n)
	if len(spec.FieldLimits) == 2 {
		return utils.OrderedPair(spec.FieldLimits[0], spec.FieldLimits[1])
	}
	return utils.OrderedPair(0.5*design, 1.5*design)
}

func (fieldAdaptor) ToPhysical(n params.Node, raw float64) float64 {
	return specOf(n).ConversionScale() * raw
}

func (fieldAdaptor) ToRaw(n params.Node, physical float64) float64 {
	return physical / specOf(n).ConversionScale()
}

func (fieldAdaptor) ReadbackChannel(n params.Node) string {
	spec := specOf(n)
	if spec.Channels.Readback != "" {
		return spec.Channels.Readback
	}
	return spec.ID + ":B"
}

func (a fieldAdaptor) ControlChannel(n params.Node) string {
	if ch := specOf(n).Channels.Control; ch != "" {
		return ch
	}
	return a.ControlIdentity(n)
}

// amplitudeAdaptor drives the cavity amplitude in MV/m
type amplitudeAdaptor struct{}

func (amplitudeAdaptor) Name() string { return NameAmplitude }
func (amplitudeAdaptor) Accessor() string { return model.PropertyAmplitude }
func (amplitudeAdaptor) Uploadable() bool { return false }

func (amplitudeAdaptor) ControlIdentity(n params.Node) string {
	return n.ID() + ":CtlAmpSet"
}

func (amplitudeAdaptor) DesignValue(n params.Node) float64 {
	return specOf(n).Amplitude
}

func (amplitudeAdaptor) DesignLimits(_ params.Node, design float64) [2]float64 {
	return [2]float64{0, 1.2 * design}
}

func (amplitudeAdaptor) ToPhysical(_ params.Node, raw float64) float64 { return raw }
func (amplitudeAdaptor) ToRaw(_ params.Node, physical float64) float64 { return physical }

func (amplitudeAdaptor) ReadbackChannel(n params.Node) string {
	if ch := specOf(n).Channels.Readback; ch != "" {
		return ch
	}
	return n.ID() + ":cavAmpAvg"
}

func (a amplitudeAdaptor) ControlChannel(n params.Node) string {
	if ch := specOf(n).Channels.Control; ch != "" {
		return ch
	}
	return a.ControlIdentity(n)
}

// phaseAdaptor drives the cavity entrance phase in degrees
type phaseAdaptor struct{}

func (phaseAdaptor) Name() string { return NamePhase }
func (phaseAdaptor) Accessor() string { return model.PropertyPhase }
func (phaseAdaptor) Uploadable() bool { return false }

func (phaseAdaptor) ControlIdentity(n params.Node) string {
	return n.ID() + ":CtlPhaseSet"
}

func (phaseAdaptor) DesignValue(n params.Node) float64 {
	return specOf(n).Phase
}

// DesignLimits allows twenty degrees about design while keeping the average
// phase at least ten degrees below crest for longitudinal focusing.
func (phaseAdaptor) DesignLimits(n params.Node, design float64) [2]float64 {
	spec := specOf(n)
	highest := spec.Phase - spec.AvgPhase - 10
	upper := math.Min(180, math.Min(highest, design+20))
	lower := math.Max(-180, math.Min(upper, design-20))
	return [2]float64{lower, upper}
}

func (phaseAdaptor) ToPhysical(_ params.Node, raw float64) float64 { return raw }
func (phaseAdaptor) ToRaw(_ params.Node, physical float64) float64 { return physical }

func (phaseAdaptor) ReadbackChannel(n params.Node) string {
	return n.ID() + ":cavPhaseAvg"
}

func (a phaseAdaptor) ControlChannel(n params.Node) string {
	return a.ControlIdentity(n)
}

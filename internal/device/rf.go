package device

import (
	"math"

	"github.com/GoSim-25-26J-441/optics-tuner/pkg/config"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/logger"
	"github.com/GoSim-25-26J-441/optics-tuner/pkg/utils"
)

const (
	degToRad = math.Pi / 180

	averagePhaseTolerance  = 0.1
	averagePhaseIterations = 5
	focusingIterations     = 3
)

// cavityGaps returns the gaps of a cavity, a single full-length gap when none are listed
func cavityGaps(n config.NodeSpec) []config.GapSpec {
	if len(n.Gaps) == 0 {
		return []config.GapSpec{{Length: n.Length, AmpFactor: 1}}
	}
	return n.Gaps
}

func cavityLength(n config.NodeSpec) float64 {
	if n.Length > 0 {
		return n.Length
	}
	total := 0.0
	for _, g := range cavityGaps(n) {
		total += g.Length
	}
	return total
}

func gapAmplitude(g config.GapSpec, cavityAmplitude float64) float64 {
	if g.AmpFactor == 0 {
		return cavityAmplitude
	}
	return g.AmpFactor * cavityAmplitude
}

func gapPhase(g config.GapSpec, cavityPhase float64) float64 {
	return cavityPhase + g.PhaseSlip
}

// ToEffectiveSinePhase is the gap-length weighted mean of amplitude times the
// sine of the gap phase, normalised by the cavity amplitude: the focusing
// component of the cavity.
func ToEffectiveSinePhase(n config.NodeSpec, amplitude, phase float64) float64 {
	sum := 0.0
	for _, g := range cavityGaps(n) {
		sum += gapAmplitude(g, amplitude) * g.Length * math.Sin(gapPhase(g, phase)*degToRad)
	}
	return sum / (cavityLength(n) * amplitude)
}

// ToEffectivePhase converts an entrance phase to the effective phase in degrees
func ToEffectivePhase(n config.NodeSpec, amplitude, phase float64) float64 {
	return math.Asin(ToEffectiveSinePhase(n, amplitude, phase)) / degToRad
}

// ToAveragePhase is the amplitude weighted average gap phase, assuming the design phase slip
func ToAveragePhase(n config.NodeSpec, phase, amplitude float64) float64 {
	sum := 0.0
	for _, g := range cavityGaps(n) {
		sum += gapAmplitude(g, amplitude) * g.Length * gapPhase(g, phase)
	}
	return sum / (cavityLength(n) * amplitude)
}

// ToCavityPhaseFromAverage estimates the entrance phase producing the given
// average phase. It iterates until the error is within a tenth of a degree.
func ToCavityPhaseFromAverage(n config.NodeSpec, averagePhase, amplitude float64) float64 {
	phase := averagePhase
	phaseErr := 0.0
	iter := 0
	for {
		phaseErr = averagePhase - ToAveragePhase(n, phase, amplitude)
		phase += phaseErr
		iter++
		if math.Abs(phaseErr) <= averagePhaseTolerance || iter >= averagePhaseIterations {
			break
		}
	}
	logger.Debug("cavity phase from average",
		"cavity", n.ID,
		"phase_error", phaseErr,
		"iterations", iter,
		"average_phase", averagePhase,
		"cavity_phase", phase)
	return phase
}

// ToCavityPhaseFromAverage estimates this cavity's entrance phase
func (a *Agent) ToCavityPhaseFromAverage(averagePhase, amplitude float64) float64 {
	return ToCavityPhaseFromAverage(a.spec, averagePhase, amplitude)
}

// PreserveDesignFocusingWithPhase picks the phase that keeps amplitude times
// the effective sine phase at its design product, given the custom amplitude.
// The result is written as the custom phase only when finite.
func (a *Agent) PreserveDesignFocusingWithPhase() error {
	ampParam := a.AmplitudeParameter()
	phaseParam := a.PhaseParameter()
	if ampParam == nil || phaseParam == nil {
		return nil
	}

	amplitude := ampParam.CustomValue()
	designAmplitude := ampParam.DesignValue()
	if amplitude == 0 || amplitude == designAmplitude {
		return nil
	}

	designPhase := a.spec.Phase
	designSine := ToEffectiveSinePhase(a.spec, designAmplitude, designPhase)
	effectivePhase := math.Asin(designAmplitude*designSine/amplitude) / degToRad

	// the design phase slip seeds the entrance phase estimate
	entrance := effectivePhase + designPhase - math.Asin(designSine)/degToRad
	for i := 0; i < focusingIterations; i++ {
		entrance = effectivePhase + entrance - ToEffectivePhase(a.spec, amplitude, entrance)
	}

	if !utils.IsFinite(entrance) {
		return nil
	}
	return phaseParam.SetCustomValue(entrance)
}

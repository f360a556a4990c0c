package device

import "math"

// BetaGamma is the relativistic momentum factor for a kinetic and rest energy
func BetaGamma(kineticEnergy, restEnergy float64) float64 {
	gamma := (kineticEnergy + restEnergy) / restEnergy
	return math.Sqrt(gamma*gamma - 1)
}

// EnergyScale is the field scale that keeps a magnet's influence when the
// beam energy changes from initial to target.
func EnergyScale(initialKinetic, targetKinetic, restEnergy float64) float64 {
	return BetaGamma(targetKinetic, restEnergy) / BetaGamma(initialKinetic, restEnergy)
}

// PreserveDesignInfluence scales the design field by the momentum ratio
// between the actual and design energy at the magnet and writes it as the
// custom field. Cavities are ignored.
func (a *Agent) PreserveDesignInfluence(kineticEnergy, designKineticEnergy, restEnergy float64) error {
	field := a.FieldParameter()
	if field == nil {
		return nil
	}
	scale := EnergyScale(designKineticEnergy, kineticEnergy, restEnergy)
	return field.SetCustomValue(scale * field.DesignValue())
}

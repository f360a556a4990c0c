package config

// Node types recognised in a beamline lattice
const (
	NodeQuad     = "quad"
	NodeBend     = "bend"
	NodeHCorr    = "hcorr"
	NodeVCorr    = "vcorr"
	NodeRFCavity = "rfcavity"
	NodeMarker   = "marker"
)

// Beamline is an accelerator sequence: an entrance probe and an ordered list of nodes
type Beamline struct {
	ID     string     `yaml:"id" validate:"required"`
	Length float64    `yaml:"length" validate:"gte=0"`
	Probe  ProbeSpec  `yaml:"probe"`
	Nodes  []NodeSpec `yaml:"nodes" validate:"required,min=1,dive"`
}

// ProbeSpec is the beam at the sequence entrance. Energies are in eV.
type ProbeSpec struct {
	Species       string      `yaml:"species"`
	RestEnergy    float64     `yaml:"rest_energy_ev" validate:"gt=0"`
	Charge        float64     `yaml:"charge" validate:"ne=0"`
	KineticEnergy float64     `yaml:"kinetic_energy_ev" validate:"gt=0"`
	Twiss         []TwissSpec `yaml:"twiss" validate:"len=3,dive"`
}

// TwissSpec holds the Courant-Snyder parameters of one plane
type TwissSpec struct {
	Alpha     float64 `yaml:"alpha"`
	Beta      float64 `yaml:"beta" validate:"gt=0"`
	Emittance float64 `yaml:"emittance" validate:"gte=0"`
}

// NodeSpec describes one lattice element
type NodeSpec struct {
	ID       string  `yaml:"id" validate:"required"`
	Type     string  `yaml:"type" validate:"required,oneof=quad bend hcorr vcorr rfcavity marker"`
	Position float64 `yaml:"position" validate:"gte=0"`
	Length   float64 `yaml:"length" validate:"gte=0"`
	Disabled bool    `yaml:"disabled,omitempty"`

	// Magnets. Field is the design field in physical units, Scale converts
	// control units to physical ones (physical = scale * raw).
	Supply      string    `yaml:"supply,omitempty"`
	Field       float64   `yaml:"field,omitempty"`
	FieldLimits []float64 `yaml:"field_limits,omitempty" validate:"omitempty,len=2"`
	Scale       float64   `yaml:"scale,omitempty"`

	// RF cavities. Amplitude in MV/m, phases in degrees, frequency in MHz.
	Amplitude float64   `yaml:"amplitude,omitempty" validate:"gte=0"`
	Phase     float64   `yaml:"phase,omitempty"`
	AvgPhase  float64   `yaml:"avg_phase,omitempty"`
	Frequency float64   `yaml:"frequency,omitempty" validate:"gte=0"`
	Gaps      []GapSpec `yaml:"gaps,omitempty" validate:"dive"`

	Channels ChannelSpec `yaml:"channels,omitempty"`
}

// GapSpec describes an accelerating gap inside a cavity
type GapSpec struct {
	Length    float64 `yaml:"length" validate:"gte=0"`
	AmpFactor float64 `yaml:"amp_factor"`
	PhaseSlip float64 `yaml:"phase_slip"`
}

// ChannelSpec names the device control channels of a node
type ChannelSpec struct {
	Readback string `yaml:"readback,omitempty"`
	Control  string `yaml:"control,omitempty"`
}

// ConversionScale returns the raw to physical factor, 1 when unset
func (n NodeSpec) ConversionScale() float64 {
	if n.Scale == 0 {
		return 1
	}
	return n.Scale
}

// IsMagnet reports whether the node carries a field parameter
func (n NodeSpec) IsMagnet() bool {
	switch n.Type {
	case NodeQuad, NodeBend, NodeHCorr, NodeVCorr:
		return true
	}
	return false
}

// Node returns the node with the given id
func (b *Beamline) Node(id string) (NodeSpec, bool) {
	for _, n := range b.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeSpec{}, false
}

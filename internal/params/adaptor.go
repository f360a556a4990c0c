package params

// Node is the lattice element a live parameter belongs to
type Node interface {
	ID() string
	Position() float64
}

// TypeAdaptor binds one parameter kind (field, amplitude, phase) to a node:
// it supplies design values and converts between raw control units, in which
// core parameters are stored, and the physical units of the node.
type TypeAdaptor interface {
	// Name is the parameter kind, e.g. "Field".
	Name() string
	// Accessor is the engine property the parameter drives.
	Accessor() string
	// ControlIdentity keys the shared core parameter; nodes on one power
	// supply return the same identity.
	ControlIdentity(n Node) string
	DesignValue(n Node) float64
	DesignLimits(n Node, design float64) [2]float64
	ToPhysical(n Node, raw float64) float64
	ToRaw(n Node, physical float64) float64
	ReadbackChannel(n Node) string
	ControlChannel(n Node) string
	// Uploadable reports whether initial values may be written to the device.
	Uploadable() bool
}

package params

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrFrozen is returned by mutating calls while an optimization run holds the store.
	ErrFrozen = errors.New("parameter store is frozen by a running optimization")
	// ErrUnknownSource is returned when parsing an unrecognised source name.
	ErrUnknownSource = errors.New("unknown parameter source")
)

// Source selects where a parameter's initial value and limits come from
type Source int

const (
	SourceDesign Source = iota
	SourceControl
	SourceCustom
)

func (s Source) String() string {
	switch s {
	case SourceDesign:
		return "Design"
	case SourceControl:
		return "Control"
	case SourceCustom:
		return "Custom"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// ParseSource accepts the names produced by String, case-insensitively
func ParseSource(name string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "design":
		return SourceDesign, nil
	case "control":
		return SourceControl, nil
	case "custom":
		return SourceCustom, nil
	}
	return SourceCustom, fmt.Errorf("%w: %q", ErrUnknownSource, name)
}

package request

// Signal is a control value of the step protocol. Signals are not requests.
type Signal int

const (
	// Next acknowledges an output or a spawned child and advances the driver.
	Next Signal = iota
	// Paused is raised by a group driver waiting for member requests.
	Paused
	// Resume answers Paused.
	Resume
)

// String implements fmt.Stringer.
func (s Signal) String() string {
	switch s {
	case Next:
		return "NEXT"
	case Paused:
		return "PAUSED"
	case Resume:
		return "RESUME"
	default:
		return "UNKNOWN"
	}
}

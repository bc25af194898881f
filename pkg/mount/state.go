package mount

// State is where a mount session is in its lifecycle.
type State int

const (
	Idle       State = iota // built, not mounted
	Mounting                // kernel mount in progress
	Mounted                 // serving requests
	Unmounting              // draining handles and caches
	Failed                  // mount or serve loop returned an error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Mounting:
		return "mounting"
	case Mounted:
		return "mounted"
	case Unmounting:
		return "unmounting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Active reports whether the session holds a kernel mount or is acquiring one.
func (s State) Active() bool {
	return s == Mounting || s == Mounted
}

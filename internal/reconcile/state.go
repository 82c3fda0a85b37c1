package reconcile

// State is the phase a reconciliation run is in, or ended in.
type State int

const (
	Idle State = iota
	ResolvingCheckpoint
	Comparing
	Paging
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ResolvingCheckpoint:
		return "resolving_checkpoint"
	case Comparing:
		return "comparing"
	case Paging:
		return "paging"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

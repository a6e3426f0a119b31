package watcher

// State of a feed's watcher
type State int32

const (
	Idle State = iota
	Starting
	Running
	Reconnecting
	Stopped
	Failed // terminal, needs operator intervention
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Reconnecting:
		return "reconnecting"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	}
	return "unknown"
}

package link

// Event is an input to the state machine. Transport callbacks and user
// requests share one queue so arrival order is preserved.
type Event interface {
	eventName() string
}

type ScanResult struct {
	Peer Peer
}

type ScanComplete struct{}

type Disconnected struct {
	Reason int
}

type AuthComplete struct {
	Encrypted bool
}

// Requests carry an optional Reply channel that receives exactly one value.
type (
	DiscoverRequest struct{ Reply chan error }
	PairRequest     struct{ Reply chan error }
	ForgetRequest   struct{ Reply chan error }
	StopRequest     struct{ Reply chan error }
)

func (ScanResult) eventName() string      { return "scan_result" }
func (ScanComplete) eventName() string    { return "scan_complete" }
func (Disconnected) eventName() string    { return "disconnected" }
func (AuthComplete) eventName() string    { return "auth_complete" }
func (DiscoverRequest) eventName() string { return "discover" }
func (PairRequest) eventName() string     { return "pair" }
func (ForgetRequest) eventName() string   { return "forget" }
func (StopRequest) eventName() string     { return "stop" }

func reply(ch chan error, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

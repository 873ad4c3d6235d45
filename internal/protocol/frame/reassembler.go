package frame

import "sync"

// BufferCap bounds the reassembly buffer.
const BufferCap = 512

// Anomaly reasons reported by the reassembler.
const (
	AnomalyOverflow = "overflow"
	AnomalyBadStart = "bad_start"
	AnomalyChecksum = "checksum"
)

// Anomaly is a discarded run of bytes. It is reported, never retried.
type Anomaly struct {
	Reason  string
	Dropped int
	Err     error
}

type AnomalyFunc func(Anomaly)

// Reassembler turns arbitrarily chunked deliveries into validated frames.
// Bytes following a completed frame in the same chunk are kept for the next one.
type Reassembler struct {
	mu        sync.Mutex
	buf       [BufferCap]byte
	n         int
	onAnomaly AnomalyFunc
}

func NewReassembler(onAnomaly AnomalyFunc) *Reassembler {
	return &Reassembler{onAnomaly: onAnomaly}
}

// Feed appends chunk and returns every frame it completes, in order.
func (r *Reassembler) Feed(chunk []byte) []Frame {
	r.mu.Lock()
	out, anomalies := r.feedLocked(chunk)
	r.mu.Unlock()

	if r.onAnomaly != nil {
		for _, a := range anomalies {
			r.onAnomaly(a)
		}
	}
	return out
}

func (r *Reassembler) feedLocked(chunk []byte) ([]Frame, []Anomaly) {
	var anomalies []Anomaly
	if r.n+len(chunk) > BufferCap {
		if r.n > 0 {
			anomalies = append(anomalies, Anomaly{Reason: AnomalyOverflow, Dropped: r.n})
		}
		r.n = 0
		if len(chunk) > BufferCap {
			anomalies = append(anomalies, Anomaly{Reason: AnomalyOverflow, Dropped: len(chunk)})
			return nil, anomalies
		}
	}
	r.n += copy(r.buf[r.n:], chunk)

	var out []Frame
	for r.n > 0 {
		res, f, err := Decode(r.buf[:r.n])
		switch res {
		case Incomplete:
			return out, anomalies
		case Invalid:
			anomalies = append(anomalies, Anomaly{Reason: AnomalyBadStart, Dropped: r.n, Err: err})
			r.n = 0
			return out, anomalies
		}
		if err := f.Validate(); err != nil {
			anomalies = append(anomalies, Anomaly{Reason: AnomalyChecksum, Dropped: r.n, Err: err})
			r.n = 0
			return out, anomalies
		}
		out = append(out, f)
		r.consume(f.Size())
	}
	return out, anomalies
}

func (r *Reassembler) consume(size int) {
	rest := copy(r.buf[:], r.buf[size:r.n])
	r.n = rest
}

func (r *Reassembler) Reset() {
	r.mu.Lock()
	r.n = 0
	r.mu.Unlock()
}

// Buffered reports how many bytes of a partial frame are held.
func (r *Reassembler) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Snapshot copies the partial buffer for diagnostics.
func (r *Reassembler) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, r.n)
	copy(out, r.buf[:r.n])
	return out
}

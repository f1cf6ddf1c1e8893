package transfer

import (
	"time"

	"bigxfer/internal/protocol"
)

// Progress is reported after every chunk sent or written.
type Progress struct {
	FileID           string
	Direction        Direction
	ChunkIndex       int
	TotalChunks      int
	BytesTransferred int64
	TotalBytes       int64
	CheckpointIndex  int
	TotalCheckpoints int
	// Speed is bytes per second over the current session.
	Speed      float64
	Percentage float64
	ETA        time.Duration
}

// Summary is reported once when a transfer completes.
type Summary struct {
	FileID           string
	Direction        Direction
	FileName         string
	FileSize         int64
	BytesTransferred int64
	Duration         time.Duration
}

// Hooks are optional observer callbacks. They run outside of any
// transfer lock, possibly on different goroutines, and may call back
// into the Sender, Receiver or Registry.
type Hooks struct {
	OnProgress    func(Progress)
	OnCheckpoint  func(fileID string, direction Direction, checkpointIndex int)
	OnComplete    func(Summary)
	OnError       func(err *Error)
	OnStateChange func(fileID string, direction Direction, to, from State)
	// OnOffer is called when an inbound transfer waits for Accept.
	OnOffer func(meta protocol.FileMeta)
	// OnRejected is called when an inbound announce is turned away.
	OnRejected func(meta protocol.FileMeta, err error)
}

func (h Hooks) progress(p Progress) {
	if h.OnProgress != nil {
		h.OnProgress(p)
	}
}

func (h Hooks) checkpoint(fileID string, d Direction, idx int) {
	if h.OnCheckpoint != nil {
		h.OnCheckpoint(fileID, d, idx)
	}
}

func (h Hooks) complete(s Summary) {
	if h.OnComplete != nil {
		h.OnComplete(s)
	}
}

func (h Hooks) reportError(err *Error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (h Hooks) stateChange(fileID string, d Direction, to, from State) {
	if h.OnStateChange != nil {
		h.OnStateChange(fileID, d, to, from)
	}
}

func (h Hooks) offer(meta protocol.FileMeta) {
	if h.OnOffer != nil {
		h.OnOffer(meta)
	}
}

func (h Hooks) rejected(meta protocol.FileMeta, err error) {
	if h.OnRejected != nil {
		h.OnRejected(meta, err)
	}
}

// events queues hook invocations made under a lock so they can run after
// it is released.
type events []func()

func (e *events) add(f func()) {
	*e = append(*e, f)
}

func (e *events) fire() {
	pending := *e
	*e = nil
	for _, f := range pending {
		f()
	}
}

// rate computes speed, percentage and ETA for a progress report.
func rate(done, total, sessionBytes int64, elapsed time.Duration) (speed, pct float64, eta time.Duration) {
	if elapsed > 0 {
		speed = float64(sessionBytes) / elapsed.Seconds()
	}
	if total > 0 {
		pct = float64(done) / float64(total) * 100
	} else {
		pct = 100
	}
	if speed > 0 && total > done {
		eta = time.Duration(float64(total-done) / speed * float64(time.Second))
	}
	return speed, pct, eta
}

// chunkOffset is the byte offset where chunk index starts.
func chunkOffset(index, chunkSize int) int64 {
	return int64(index) * int64(chunkSize)
}

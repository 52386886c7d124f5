package orderer

import (
	"errors"
	"time"
)

var (
	// ErrConfig is malformed caller input, such as a missing subject.
	ErrConfig = errors.New("invalid job request")

	// ErrConflict is returned when a job is already running.
	ErrConflict = errors.New("a job is already running")

	// ErrFatal aborts a job: the first page could not be listed or the
	// ledger could not be reached.
	ErrFatal = errors.New("job aborted")
)

// State is the controller lifecycle state.
type State string

const (
	StateIdle          State = "idle"
	StateRunning       State = "running"
	StateStopRequested State = "stop_requested"
)

// Outcome classifies a finished job.
type Outcome string

const (
	OutcomeEmpty   Outcome = "empty"
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
)

// Classify derives the outcome from the succeeded and total item counts.
func Classify(succeeded, total int) Outcome {
	switch {
	case succeeded == 0:
		return OutcomeEmpty
	case succeeded >= total:
		return OutcomeSuccess
	default:
		return OutcomePartial
	}
}

// StatusCode maps an outcome to the upstream save status.
func (o Outcome) StatusCode() int {
	switch o {
	case OutcomeSuccess:
		return 1
	case OutcomePartial:
		return 2
	default:
		return 0
	}
}

// Child is one item of a committed batch with its own content id.
type Child struct {
	ID  string `json:"id"`
	CID string `json:"cid"`
}

// Commitment is a batch that was both pinned and ordered.
type Commitment struct {
	Seq         int       `json:"seq"`
	CID         string    `json:"cid"`
	ByteSize    int64     `json:"byte_size"`
	TxHash      string    `json:"tx_hash,omitempty"`
	Children    []Child   `json:"children"`
	CommittedAt time.Time `json:"committed_at"`
}

// StartRequest asks the controller to process one subject. Nil limits keep
// the current quota.
type StartRequest struct {
	Subject        string
	OrderNumLimit  *int
	OrderSizeLimit *int64
	Sync           bool
}

// StartResponse describes an accepted job. Notes carries quota rejection
// messages; Result is set only for synchronous jobs.
type StartResponse struct {
	JobID  string    `json:"job_id"`
	Notes  []string  `json:"notes,omitempty"`
	Result *Snapshot `json:"result,omitempty"`
}

// Snapshot is a point-in-time copy of a job's progress.
type Snapshot struct {
	JobID           string    `json:"job_id"`
	Subject         string    `json:"subject"`
	State           State     `json:"state"`
	Total           int       `json:"total"`
	Completed       int       `json:"completed"`
	Succeeded       int       `json:"succeeded"`
	Failed          int       `json:"failed"`
	Remaining       int       `json:"remaining"`
	Unreached       int       `json:"unreached,omitempty"`
	CompletedOrders []string  `json:"completed_orders"`
	OrderNumLimit   int       `json:"order_num_limit"`
	OrderSizeLimit  int64     `json:"order_size_limit"`
	Outcome         Outcome   `json:"outcome,omitempty"`
	Error           string    `json:"error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at,omitzero"`
}

package facilitator

import (
	"sync"
	"time"
)

// State is a stage of the settlement pipeline. Transitions are strictly
// sequential: RECEIVED → VALIDATED → COLLECTED → (APPROVED) → SETTLED,
// with FAILED terminal from any stage.
type State string

const (
	StateReceived  State = "RECEIVED"
	StateValidated State = "VALIDATED"
	StateCollected State = "COLLECTED"
	StateApproved  State = "APPROVED"
	StateSettled   State = "SETTLED"
	StateFailed    State = "FAILED"
)

// Checkpoint records a payment request's progress through the pipeline so
// a restarted process can tell which on-chain steps already confirmed
// instead of blindly resubmitting.
type Checkpoint struct {
	RequestID     string    `json:"requestId"`
	State         State     `json:"state"`
	Payer         string    `json:"payer"`
	PayTo         string    `json:"payTo"`
	Amount        string    `json:"amount"`
	CollectionTx  string    `json:"collectionTx,omitempty"`
	ApprovalTx    string    `json:"approvalTx,omitempty"`
	SettlementTx  string    `json:"settlementTx,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// CheckpointStore persists checkpoints. The reference implementation is
// in-memory; a durable store can be swapped in without touching the
// executor.
type CheckpointStore interface {
	Save(cp Checkpoint)
	Get(requestID string) (Checkpoint, bool)
}

// MemoryCheckpointStore keeps checkpoints in a mutex-guarded map.
type MemoryCheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[string]Checkpoint
}

// NewMemoryCheckpointStore creates an empty checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: make(map[string]Checkpoint)}
}

func (s *MemoryCheckpointStore) Save(cp Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.RequestID] = cp
}

func (s *MemoryCheckpointStore) Get(requestID string) (Checkpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[requestID]
	return cp, ok
}

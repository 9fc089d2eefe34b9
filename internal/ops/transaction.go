package ops

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TxType is the kind of operation a transaction belongs to.
type TxType uint8

const (
	TxConnect TxType = iota + 1
	TxPut
	TxGet
	TxSubscribe
)

func (t TxType) String() string {
	switch t {
	case TxConnect:
		return "connect"
	case TxPut:
		return "put"
	case TxGet:
		return "get"
	case TxSubscribe:
		return "subscribe"
	}
	return fmt.Sprintf("tx(%d)", uint8(t))
}

// Transaction identifies one distributed operation on every peer it
// touches.
type Transaction struct {
	ID      uuid.UUID `msgpack:"id"`
	Type    TxType    `msgpack:"type"`
	Started time.Time `msgpack:"started"`
}

// NewTransaction returns a fresh transaction. IDs are UUIDv7 so they sort
// by creation time.
func NewTransaction(t TxType) Transaction {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Transaction{ID: id, Type: t, Started: time.Now()}
}

func (tx Transaction) String() string {
	return tx.Type.String() + ":" + tx.ID.String()
}

// Phase is where an operation is in its lifecycle.
type Phase uint8

const (
	PhaseInitializing Phase = iota
	PhaseRequesting
	PhaseAwaitingResponse
	PhaseBroadcasting
	PhaseCompleted
	PhaseFailed
)

// Final reports whether p ends the lifecycle.
func (p Phase) Final() bool { return p == PhaseCompleted || p == PhaseFailed }

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseRequesting:
		return "requesting"
	case PhaseAwaitingResponse:
		return "awaiting-response"
	case PhaseBroadcasting:
		return "broadcasting"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

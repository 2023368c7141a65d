package model

import (
	"time"

	"github.com/google/uuid"
)

type WorkerStatus string

const (
	WorkerAvailable WorkerStatus = "AVAILABLE"
	WorkerBusy      WorkerStatus = "BUSY"
	WorkerDisabled  WorkerStatus = "DISABLED"
)

func (s WorkerStatus) String() string {
	return string(s)
}

// Worker is a pooled signing identity. KeyReference is an opaque handle to the
// key material (hex key for the local signer, a KMS key id for the remote one);
// the raw key never lives anywhere else.
type Worker struct {
	ID                     uuid.UUID    `db:"id"`
	Address                string       `db:"address"`
	KeyReference           string       `db:"key_reference"`
	Status                 WorkerStatus `db:"status"`
	Nonce                  int64        `db:"nonce"`
	Balance                string       `db:"balance"` // wei, NUMERIC(78,0) as string
	TotalMinted            int64        `db:"total_minted"`
	SuccessfulTransactions int64        `db:"successful_transactions"`
	FailedTransactions     int64        `db:"failed_transactions"`
	TotalGasUsed           string       `db:"total_gas_used"` // NUMERIC(78,0) as string
	CreatedAt              time.Time    `db:"created_at"`
	UpdatedAt              time.Time    `db:"updated_at"`
}

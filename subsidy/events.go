package subsidy

import (
	"log"

	"github.com/warp/subsidy-engine/ledger"
)

// =============================================================================
// EVENTS - Lifecycle notifications for downstream consumers
// =============================================================================

// EventSink receives notifications after ledger writes commit. Sinks must
// not block redemption: failures are the sink's problem, the transaction
// already committed.
type EventSink interface {
	TransactionCommitted(tx ledger.Transaction)
	TransactionReversed(tx ledger.Transaction, rev ledger.Reversal)
	TransactionFailed(tx ledger.Transaction)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) TransactionCommitted(ledger.Transaction)                 {}
func (NopEvents) TransactionReversed(ledger.Transaction, ledger.Reversal) {}
func (NopEvents) TransactionFailed(ledger.Transaction)                    {}

// LogEvents writes one structured line per lifecycle event.
type LogEvents struct {
	Logger *log.Logger
}

func NewLogEvents(logger *log.Logger) *LogEvents {
	if logger == nil {
		logger = log.Default()
	}
	return &LogEvents{Logger: logger}
}

func (e *LogEvents) TransactionCommitted(tx ledger.Transaction) {
	e.Logger.Printf("event=transaction.committed transaction=%s ledger=%s quantity=%d learner=%s content=%s",
		tx.ID, tx.LedgerID, tx.Quantity, tx.LearnerID, tx.ContentKey)
}

func (e *LogEvents) TransactionReversed(tx ledger.Transaction, rev ledger.Reversal) {
	e.Logger.Printf("event=transaction.reversed transaction=%s reversal=%s quantity=%d",
		tx.ID, rev.ID, rev.Quantity)
}

func (e *LogEvents) TransactionFailed(tx ledger.Transaction) {
	e.Logger.Printf("event=transaction.failed transaction=%s ledger=%s learner=%s content=%s",
		tx.ID, tx.LedgerID, tx.LearnerID, tx.ContentKey)
}

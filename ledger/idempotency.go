/*
idempotency.go - Deterministic idempotency key derivation

PURPOSE:
  Retried requests must collapse onto one ledger record. Every write path
  (transaction, reversal, deposit, ledger creation) derives its key from the
  request's identifying inputs, so identical inputs always produce the same
  key and the storage layer can get-or-create.

KEY SHAPES:
  ledger-for-subsidy-<reference>-<unit>
  ledger-transaction-<subsidy>-<sha256 of sorted inputs, truncated>
  unenrollment-reversal-<fulfillment>-<unenrolled at, RFC3339>
  deposit-<ledger>-<reference>-<quantity>

WHY A HASH FOR TRANSACTIONS:
  The transaction key covers (subsidy, learner, content, quantity) plus any
  caller salt. Hashing the sorted parts keeps the key compact and stable
  regardless of input ordering, while any change to any input - including
  quantity, since price overrides change the spend amount - yields a
  different key.
*/
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SubsidyLedgerKey derives the idempotency key used when creating a ledger
// for a subsidy. One (reference, unit) pair maps to one ledger.
func SubsidyLedgerKey(referenceID string, unit Unit) string {
	return fmt.Sprintf("ledger-for-subsidy-%s-%s", referenceID, unit)
}

// TransactionKey derives the idempotency key for a redemption or adjustment
// transaction. Pure and deterministic: identical inputs always yield an
// identical key. Extra parts (e.g. a retry salt) participate in the hash.
func TransactionKey(subsidyID string, quantity int64, parts map[string]string) string {
	elems := make([]string, 0, len(parts)+2)
	elems = append(elems, fmt.Sprintf("subsidy=%s", subsidyID))
	elems = append(elems, fmt.Sprintf("quantity=%d", quantity))
	for k, v := range parts {
		elems = append(elems, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(elems)

	sum := sha256.Sum256([]byte(strings.Join(elems, "&")))
	return fmt.Sprintf("ledger-transaction-%s-%s", subsidyID, hex.EncodeToString(sum[:])[:32])
}

// ReversalKey derives the idempotency key for an unenrollment-driven
// reversal. Replayed unenrollment events for one fulfillment at one time
// produce at most one reversal.
func ReversalKey(fulfillmentID string, unenrolledAt time.Time) string {
	return fmt.Sprintf("unenrollment-reversal-%s-%s", fulfillmentID, unenrolledAt.UTC().Format(time.RFC3339))
}

// DepositKey derives the idempotency key for a value top-up. The same sales
// contract reference and quantity never produce two deposits.
func DepositKey(ledgerID LedgerID, referenceID string, quantity int64) string {
	return fmt.Sprintf("deposit-%s-%s-%d", ledgerID, referenceID, quantity)
}

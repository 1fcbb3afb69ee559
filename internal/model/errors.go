package model

import (
	"errors"
	"fmt"
	"strings"
)

// Validation error kinds. Callers match them with errors.Is.
var (
	ErrInvalidSignature               = errors.New("invalid signature")
	ErrInvalidHash                    = errors.New("invalid hash")
	ErrInvalidUTXOs                   = errors.New("invalid utxos")
	ErrInsufficientAmount             = errors.New("insufficient amount")
	ErrInvalidPreviousHashKey         = errors.New("invalid previous hash key")
	ErrInvalidBlockCommonTransactions = errors.New("block contains transactions already in chain")
	ErrTransactionAlreadyAdded        = errors.New("transaction already added")
	ErrUnauthorizedNode               = errors.New("unauthorized node")
	ErrUnableResolveConflict          = errors.New("unable to resolve conflict")
	ErrInvalidMessageType             = errors.New("invalid message type")

	// ErrBlockFull asks the caller to retry the transaction later.
	ErrBlockFull = errors.New("current block is full")
	// ErrStaleMiningResult marks a found nonce for a block that is no longer the tip candidate.
	ErrStaleMiningResult = errors.New("stale mining result")
	// ErrNotInitialized is returned by a joining node that has no chain yet.
	ErrNotInitialized = errors.New("node not initialized")
)

// CommonTransactionsError carries the ids of a block that are already in the chain.
type CommonTransactionsError struct {
	IDs []string
}

func (e *CommonTransactionsError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidBlockCommonTransactions, strings.Join(e.IDs, ","))
}

func (e *CommonTransactionsError) Is(target error) bool {
	return target == ErrInvalidBlockCommonTransactions
}

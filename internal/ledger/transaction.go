// Package ledger creates and validates transactions against the UTXO set.
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/wx-shi/ringledger/internal/model"
	"github.com/wx-shi/ringledger/internal/wallet"
)

// Receiver and change outputs would share an id.
var errSelfTransfer = errors.New("sender and receiver are the same address")

// Signer is the wallet side of transaction creation.
type Signer interface {
	Address() string
	SignHex(digestHex string) ([]byte, error)
}

// Seen answers whether transaction ids are already recorded in the chain.
// *strset.Set satisfies it.
type Seen interface {
	Has(items ...string) bool
}

// CreateTransaction pays amount to receiver from the signer's outputs. Outputs
// are taken in ascending id order until they cover amount. utxos is not mutated.
func CreateTransaction(s Signer, receiver string, amount decimal.Decimal, utxos model.UTXOSet) (*model.Transaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount %s is not positive", model.ErrInsufficientAmount, amount)
	}
	sender := s.Address()
	if sender == receiver {
		return nil, errSelfTransfer
	}

	collected := decimal.Zero
	inputs := make([]string, 0, 2)
	for _, out := range utxos.Outputs(sender) {
		if collected.GreaterThanOrEqual(amount) {
			break
		}
		collected = collected.Add(out.Amount)
		inputs = append(inputs, out.ID)
	}
	if collected.LessThan(amount) {
		return nil, fmt.Errorf("%w: have %s, need %s", model.ErrInsufficientAmount, collected, amount)
	}

	tx := model.NewTransaction(sender, receiver, amount, inputs)
	sig, err := s.SignHex(tx.ID)
	if err != nil {
		return nil, err
	}
	tx.Signature = sig
	return tx, nil
}

// ValidateTransaction checks tx and applies it to utxos. On success the
// consumed inputs are gone from utxos, the receiver and change outputs are in
// it, and the returned copy of tx carries those outputs.
//
// blockFull reports a full open block; ErrBlockFull is returned before any
// check so the caller can retry later.
func ValidateTransaction(tx *model.Transaction, utxos model.UTXOSet, seen Seen, blockFull bool) (*model.Transaction, error) {
	if blockFull {
		return nil, model.ErrBlockFull
	}
	if err := wallet.VerifyHex(tx.SenderAddress, tx.ID, tx.Signature); err != nil {
		return nil, err
	}
	if id := tx.ComputeID(); id != tx.ID {
		return nil, fmt.Errorf("%w: transaction declares %s, fields hash to %s", model.ErrInvalidHash, tx.ID, id)
	}
	// Checked before touching utxos so a replay cannot consume its inputs twice.
	if seen != nil && seen.Has(tx.ID) {
		return nil, fmt.Errorf("%w: %s", model.ErrTransactionAlreadyAdded, tx.ID)
	}
	if !tx.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount %s is not positive", model.ErrInsufficientAmount, tx.Amount)
	}
	if tx.SenderAddress == tx.ReceiverAddress {
		return nil, errSelfTransfer
	}

	collected := decimal.Zero
	used := make(map[string]struct{}, len(tx.Inputs))
	for _, id := range tx.Inputs {
		if _, dup := used[id]; dup {
			return nil, fmt.Errorf("%w: input %s listed twice", model.ErrInvalidUTXOs, id)
		}
		used[id] = struct{}{}
		out, ok := utxos.Get(tx.SenderAddress, id)
		if !ok {
			return nil, fmt.Errorf("%w: input %s is not an unspent output of the sender", model.ErrInvalidUTXOs, id)
		}
		collected = collected.Add(out.Amount)
	}
	surplus := collected.Sub(tx.Amount)
	if surplus.IsNegative() {
		return nil, fmt.Errorf("%w: inputs hold %s, need %s", model.ErrInsufficientAmount, collected, tx.Amount)
	}

	valid := *tx
	valid.Inputs = append([]string(nil), tx.Inputs...)
	valid.SetOutputs(surplus)
	for _, id := range valid.Inputs {
		utxos.Remove(valid.SenderAddress, id)
	}
	for _, out := range valid.Outputs {
		utxos.Add(out)
	}
	return &valid, nil
}

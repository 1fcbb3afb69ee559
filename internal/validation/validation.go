package validation

import (
	"fmt"

	"github.com/scylladb/go-set/strset"
	"github.com/wx-shi/ringledger/internal/model"
)

func checkProofOfWork(b *model.Block, difficulty int) error {
	if !b.Mined() {
		return fmt.Errorf("%w: block is not mined", model.ErrInvalidHash)
	}
	if len(b.Transactions) == 0 {
		return fmt.Errorf("%w: block %s carries no transactions", model.ErrInvalidHash, b.Hash)
	}
	if !model.MeetsDifficulty(b.Hash, difficulty) {
		return fmt.Errorf("%w: block hash %s does not satisfy difficulty %d", model.ErrInvalidHash, b.Hash, difficulty)
	}
	if h := b.ComputeHash(); h != b.Hash {
		return fmt.Errorf("%w: block declares %s, nonce yields %s", model.ErrInvalidHash, b.Hash, h)
	}
	return nil
}

// ValidateBlock checks an incoming block against the local tip.
//
// An ErrInvalidPreviousHashKey result means the sender's chain has diverged
// from ours and consensus should be run. A *model.CommonTransactionsError
// lists the block transactions already recorded in the chain.
func ValidateBlock(b *model.Block, expectedPreviousHash string, seen *strset.Set, difficulty int) error {
	if b.Genesis {
		return fmt.Errorf("%w: genesis block cannot be appended", model.ErrInvalidHash)
	}
	if err := checkProofOfWork(b, difficulty); err != nil {
		return err
	}
	if b.PreviousHash != expectedPreviousHash {
		return fmt.Errorf("%w: block %s points to %s, tip is %s",
			model.ErrInvalidPreviousHashKey, b.Hash, b.PreviousHash, expectedPreviousHash)
	}

	common := make([]string, 0)
	for _, id := range b.TransactionIDs() {
		if seen.Has(id) {
			common = append(common, id)
		}
	}
	if len(common) > 0 {
		return &model.CommonTransactionsError{IDs: common}
	}
	return nil
}

// ValidateChain checks proof of work and linkage of every block after the
// genesis block. The genesis block is only checked for integrity.
func ValidateChain(c model.Chain, difficulty int) error {
	if len(c) == 0 {
		return fmt.Errorf("%w: empty chain", model.ErrInvalidHash)
	}
	genesis := &c[0]
	if !genesis.Genesis {
		return fmt.Errorf("%w: first block is not flagged as genesis", model.ErrInvalidHash)
	}
	if h := genesis.ComputeHash(); h != genesis.Hash {
		return fmt.Errorf("%w: genesis declares %s, fields hash to %s", model.ErrInvalidHash, genesis.Hash, h)
	}

	for i := 1; i < len(c); i++ {
		b := &c[i]
		if b.Genesis {
			return fmt.Errorf("%w: block %d is flagged as genesis", model.ErrInvalidHash, i)
		}
		if err := checkProofOfWork(b, difficulty); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		if prev := c[i-1].Hash; b.PreviousHash != prev {
			return fmt.Errorf("%w: block %d points to %s, previous block is %s",
				model.ErrInvalidPreviousHashKey, i, b.PreviousHash, prev)
		}
	}
	return nil
}

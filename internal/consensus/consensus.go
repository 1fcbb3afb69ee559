// Package consensus picks the chain a node adopts after its view has diverged
// from a peer's.
//
// Candidates are ranked longest first, ties going to the oldest last block.
// The first candidate whose chain hashes to its declared chain hash and whose
// signature verifies under the sender's ring key wins. Blocks are not
// re-validated here: hash and signature attest the chain as it was sent.
package consensus

import (
	"fmt"
	"sort"

	"github.com/scylladb/go-set/strset"
	"github.com/wx-shi/ringledger/internal/model"
	"github.com/wx-shi/ringledger/internal/wallet"
	"go.uber.org/zap"
)

// Candidate is the chain snapshot served by node NodeID.
type Candidate struct {
	NodeID   string
	Snapshot *model.ChainSnapshot
}

// Rank orders candidates by (-chain length, last block timestamp).
func Rank(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].Snapshot, candidates[j].Snapshot
		if len(a.Chain) != len(b.Chain) {
			return len(a.Chain) > len(b.Chain)
		}
		return a.LastBlockTimestamp.Before(b.LastBlockTimestamp)
	})
}

// Verify checks that c's chain hashes to its declared hash and that the hash
// was signed by the ring key of c.NodeID.
func Verify(c Candidate, ring model.Ring) error {
	digest, hash, err := model.ChainHash(c.Snapshot.Chain)
	if err != nil {
		return err
	}
	if hash != c.Snapshot.ChainHash {
		return fmt.Errorf("%w: chain of node %s hashes to %s, declared %s",
			model.ErrInvalidHash, c.NodeID, hash, c.Snapshot.ChainHash)
	}
	entry, ok := ring[c.NodeID]
	if !ok {
		return fmt.Errorf("%w: node %s is not in the ring", model.ErrUnauthorizedNode, c.NodeID)
	}
	return wallet.Verify(entry.PublicKey, digest, c.Snapshot.ChainSignature)
}

// Resolve ranks candidates and returns the first that verifies.
func Resolve(candidates []Candidate, ring model.Ring, logger *zap.Logger) (*Candidate, error) {
	ranked := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Snapshot != nil {
			ranked = append(ranked, c)
		}
	}
	Rank(ranked)

	for i := range ranked {
		c := ranked[i]
		if err := Verify(c, ring); err != nil {
			logger.Warn("Consensus::Reject",
				zap.String("node", c.NodeID),
				zap.Int("chain_len", len(c.Snapshot.Chain)),
				zap.Error(err))
			continue
		}
		logger.Info("Consensus::Accept",
			zap.String("node", c.NodeID),
			zap.Int("chain_len", len(c.Snapshot.Chain)),
			zap.Time("last_block", c.Snapshot.LastBlockTimestamp))
		return &c, nil
	}
	return nil, fmt.Errorf("%w: none of %d chains verified", model.ErrUnableResolveConflict, len(ranked))
}

// PrunePending drops from block every transaction recorded in seen and
// returns the ids it removed.
func PrunePending(block *model.Block, seen *strset.Set) []string {
	kept := block.Transactions[:0]
	var removed []string
	for _, tx := range block.Transactions {
		if seen.Has(tx.ID) {
			removed = append(removed, tx.ID)
			continue
		}
		kept = append(kept, tx)
	}
	block.Transactions = kept
	return removed
}

// Signer signs a SHA-256 digest with the node key.
type Signer interface {
	Sign(digest []byte) ([]byte, error)
}

// NewSnapshot hashes and signs chain for serving to peers.
func NewSnapshot(chain model.Chain, utxos model.UTXOSet, chainTxIDs []string, s Signer) (*model.ChainSnapshot, error) {
	digest, hash, err := model.ChainHash(chain)
	if err != nil {
		return nil, err
	}
	sig, err := s.Sign(digest)
	if err != nil {
		return nil, err
	}
	return &model.ChainSnapshot{
		Chain:               chain,
		UTXOs:               utxos,
		ChainHash:           hash,
		ChainSignature:      sig,
		ChainTransactionIDs: chainTxIDs,
		LastBlockTimestamp:  chain.LastBlockTimestamp(),
	}, nil
}

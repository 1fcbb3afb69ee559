package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MessageKind tags a record of the inbound queue.
type MessageKind uint8

const (
	KindTransaction MessageKind = iota + 1
	KindBlock
	KindRing
	KindNodeJoined
	KindLocalTransfer
	KindInitSettings
)

func (k MessageKind) String() string {
	switch k {
	case KindTransaction:
		return "transaction"
	case KindBlock:
		return "block"
	case KindRing:
		return "ring"
	case KindNodeJoined:
		return "node-joined"
	case KindLocalTransfer:
		return "local-transfer"
	case KindInitSettings:
		return "init-settings"
	}
	return "unknown"
}

// RingUpdate is the frozen ring signed by the bootstrap node.
type RingUpdate struct {
	Ring      Ring   `json:"ring"`
	Signature []byte `json:"signature"`
	RingHash  string `json:"ring_hash"`
}

// NodeJoined announces a newcomer to the bootstrap node.
type NodeJoined struct {
	Address   string `json:"address" binding:"required"`
	Port      int    `json:"port" binding:"required"`
	PublicKey string `json:"public_key" binding:"required"`
}

// LocalTransfer asks the node to pay Amount to the ring member ReceiverNodeID.
type LocalTransfer struct {
	ReceiverNodeID string          `json:"receiver_node_id" binding:"required"`
	Amount         decimal.Decimal `json:"amount"`
}

// InitSettings is what the bootstrap node hands to a newcomer.
type InitSettings struct {
	NodeID              string   `json:"node_id"`
	Ring                Ring     `json:"ring"`
	Chain               Chain    `json:"chain"`
	UTXOs               UTXOSet  `json:"utxos"`
	ChainTransactionIDs []string `json:"chain_transaction_ids"`
}

// ChainSnapshot is the consensus payload served to peers.
type ChainSnapshot struct {
	Chain               Chain     `json:"chain"`
	UTXOs               UTXOSet   `json:"utxos"`
	ChainHash           string    `json:"chain_hash"`
	ChainSignature      []byte    `json:"chain_signature"`
	ChainTransactionIDs []string  `json:"chain_transaction_ids"`
	LastBlockTimestamp  time.Time `json:"last_block_timestamp"`
}

// Status is the read-only export of a node for monitoring tools.
type Status struct {
	NodeID       string `json:"node_id"`
	Address      string `json:"address"`
	Port         int    `json:"port"`
	Ring         Ring   `json:"ring"`
	PublicKey    string `json:"public_key"`
	CurrentBlock *Block `json:"current_block"`
	Mining       bool   `json:"mining"`
	ChainSnapshot
}

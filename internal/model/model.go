package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// GenesisSender is the sender address of the coin-issuing genesis transaction.
	GenesisSender = "0"
	// GenesisPreviousHash is the pre-agreed previous hash of the genesis block.
	GenesisPreviousHash = "1"
	// GenesisNonce is the fixed nonce of the genesis block.
	GenesisNonce = "0"
	// BootstrapNodeID is the ring id of the node that issues the genesis block.
	BootstrapNodeID = "0"
)

// TransactionOutput is an unspent balance fragment owned by ReceiverAddress.
type TransactionOutput struct {
	ID              string          `json:"id"`
	TransactionID   string          `json:"transaction_id"`
	ReceiverAddress string          `json:"receiver_address"`
	Amount          decimal.Decimal `json:"amount"`
}

// NewTransactionOutput builds an output and derives its id.
func NewTransactionOutput(txID, receiver string, amount decimal.Decimal) TransactionOutput {
	return TransactionOutput{
		ID:              OutputID(txID, receiver, amount),
		TransactionID:   txID,
		ReceiverAddress: receiver,
		Amount:          amount,
	}
}

// Transaction moves Amount from SenderAddress to ReceiverAddress by consuming Inputs.
// Outputs are materialized only when the transaction is validated.
type Transaction struct {
	ID              string              `json:"id"`
	SenderAddress   string              `json:"sender"`
	ReceiverAddress string              `json:"receiver"`
	Amount          decimal.Decimal     `json:"amount"`
	Inputs          []string            `json:"inputs"`
	Outputs         []TransactionOutput `json:"outputs"`
	Signature       []byte              `json:"signature"`
	Timestamp       time.Time           `json:"timestamp"`
}

// NewTransaction returns an unsigned transaction with its id already derived.
func NewTransaction(sender, receiver string, amount decimal.Decimal, inputs []string) *Transaction {
	return &Transaction{
		ID:              TransactionID(sender, receiver, amount, inputs),
		SenderAddress:   sender,
		ReceiverAddress: receiver,
		Amount:          amount,
		Inputs:          inputs,
		Timestamp:       time.Now().UTC(),
	}
}

// ComputeID recomputes the id from the transaction fields.
func (tx *Transaction) ComputeID() string {
	return TransactionID(tx.SenderAddress, tx.ReceiverAddress, tx.Amount, tx.Inputs)
}

// SetOutputs creates the receiver output and the sender change output.
func (tx *Transaction) SetOutputs(surplus decimal.Decimal) {
	tx.Outputs = []TransactionOutput{
		NewTransactionOutput(tx.ID, tx.ReceiverAddress, tx.Amount),
		NewTransactionOutput(tx.ID, tx.SenderAddress, surplus),
	}
}

// Block groups transactions under a proof of work. Nonce and Hash are empty
// until the block is mined.
type Block struct {
	PreviousHash string        `json:"previous_hash"`
	Timestamp    time.Time     `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
	Nonce        string        `json:"nonce,omitempty"`
	Hash         string        `json:"hash,omitempty"`
	Genesis      bool          `json:"genesis,omitempty"`
}

// NewBlock opens an empty block on top of previousHash.
func NewBlock(previousHash string) *Block {
	return &Block{
		PreviousHash: previousHash,
		Timestamp:    time.Now().UTC(),
		Transactions: []Transaction{},
	}
}

func (b *Block) Mined() bool {
	return b.Hash != ""
}

// TransactionIDs returns the ids of the block transactions in block order.
func (b *Block) TransactionIDs() []string {
	ids := make([]string, 0, len(b.Transactions))
	for i := range b.Transactions {
		ids = append(ids, b.Transactions[i].ID)
	}
	return ids
}

// Preimage is the hash input of the block without its nonce.
func (b *Block) Preimage() []byte {
	return BlockPreimage(b.TransactionIDs(), b.PreviousHash, b.Timestamp)
}

// ComputeHash recomputes the block hash from its own fields.
func (b *Block) ComputeHash() string {
	return BlockHash(b.PreviousHash, b.Timestamp, b.Nonce, b.TransactionIDs())
}

// Copy returns a deep enough copy for the transaction list to be mutated
// independently. The copy encodes to the same JSON as b.
func (b *Block) Copy() *Block {
	c := *b
	if b.Transactions != nil {
		c.Transactions = make([]Transaction, len(b.Transactions))
		copy(c.Transactions, b.Transactions)
	}
	return &c
}

// Chain is the ordered list of mined blocks; index 0 is the genesis block.
type Chain []Block

func (c Chain) Tip() *Block {
	if len(c) == 0 {
		return nil
	}
	return &c[len(c)-1]
}

// LastBlockTimestamp is the timestamp of the tip, zero for an empty chain.
func (c Chain) LastBlockTimestamp() time.Time {
	if tip := c.Tip(); tip != nil {
		return tip.Timestamp
	}
	return time.Time{}
}

// TransactionIDs returns every transaction id recorded in the chain.
func (c Chain) TransactionIDs() []string {
	ids := make([]string, 0, len(c))
	for i := range c {
		ids = append(ids, c[i].TransactionIDs()...)
	}
	return ids
}

// RingEntry is the directory record of one member node.
type RingEntry struct {
	Address   string `json:"address"`
	Port      int    `json:"port"`
	PublicKey string `json:"public_key"`
}

// Ring maps node id to the member directory entry.
type Ring map[string]RingEntry

// Peer is a ring member addressed by its id.
type Peer struct {
	NodeID string `json:"node_id"`
	RingEntry
}

// Peers returns the ring members other than self, ordered by node id.
func (r Ring) Peers(self string) []Peer {
	peers := make([]Peer, 0, len(r))
	for _, id := range sortedKeys(r) {
		if id == self {
			continue
		}
		peers = append(peers, Peer{NodeID: id, RingEntry: r[id]})
	}
	return peers
}

// NodeIDOf finds the node id owning publicKey.
func (r Ring) NodeIDOf(publicKey string) (string, bool) {
	for id, e := range r {
		if e.PublicKey == publicKey {
			return id, true
		}
	}
	return "", false
}

func (r Ring) Copy() Ring {
	c := make(Ring, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// NewGenesisBlock seals txs into the genesis block. Its nonce is fixed and its
// hash is not required to meet any difficulty.
func NewGenesisBlock(txs ...Transaction) *Block {
	b := NewBlock(GenesisPreviousHash)
	b.Transactions = append(b.Transactions, txs...)
	b.Genesis = true
	b.Nonce = GenesisNonce
	b.Hash = b.ComputeHash()
	return b
}

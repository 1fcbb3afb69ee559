// Package node holds the ledger state of one ring member and the operations
// that change it.
package node

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/scylladb/go-set/strset"
	"github.com/shopspring/decimal"
	"github.com/wx-shi/ringledger/internal/consensus"
	"github.com/wx-shi/ringledger/internal/ledger"
	"github.com/wx-shi/ringledger/internal/mining"
	"github.com/wx-shi/ringledger/internal/model"
	"github.com/wx-shi/ringledger/internal/validation"
	"github.com/wx-shi/ringledger/internal/wallet"
	"github.com/wx-shi/ringledger/pkg"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Params are shared by every node of a ring.
type Params struct {
	RingSize     int
	Capacity     int
	Difficulty   int
	InitialCoins decimal.Decimal
}

// Transport delivers outbound messages. Broadcasts and NotifyPeerJoined only
// queue the message and return; delivery failures are logged per peer.
// RequestChain waits for the peer's answer.
type Transport interface {
	BroadcastTransaction(ctx context.Context, peers []model.Peer, tx *model.Transaction)
	BroadcastBlock(ctx context.Context, peers []model.Peer, b *model.Block)
	BroadcastRing(ctx context.Context, peers []model.Peer, u *model.RingUpdate)
	RequestChain(ctx context.Context, p model.Peer) (*model.ChainSnapshot, error)
	NotifyPeerJoined(ctx context.Context, p model.Peer, s *model.InitSettings) error
}

// Node is the ledger state of one ring member. It is not safe for concurrent
// use: a single control loop owns it and the mining worker only reports back
// through MiningResults.
type Node struct {
	logger    *zap.Logger
	params    Params
	wallet    *wallet.Wallet
	transport Transport
	miner     *mining.Miner

	bootstrap bool
	self      model.RingEntry
	id        string
	ring      model.Ring
	chain     model.Chain
	utxos     model.UTXOSet
	seen      *strset.Set
	current   *model.Block
	job       *mining.Job
}

// New creates a node. The bootstrap node starts as ring member "0" holding the
// genesis block; any other node stays uninitialized until ApplySettings.
func New(params Params, bootstrap bool, self model.RingEntry, w *wallet.Wallet, t Transport, logger *zap.Logger) *Node {
	self.PublicKey = w.Address()
	n := &Node{
		logger:    logger,
		params:    params,
		wallet:    w,
		transport: t,
		miner:     mining.NewMiner(logger),
		bootstrap: bootstrap,
		self:      self,
		ring:      model.Ring{},
		utxos:     model.UTXOSet{},
		seen:      strset.New(),
	}
	if bootstrap {
		n.id = model.BootstrapNodeID
		n.ring[n.id] = self
		n.createGenesis()
	}
	return n
}

func (n *Node) createGenesis() {
	amount := n.params.InitialCoins.Mul(decimal.NewFromInt(int64(n.params.RingSize)))
	tx := model.NewTransaction(model.GenesisSender, n.self.PublicKey, amount, nil)
	tx.Outputs = []model.TransactionOutput{model.NewTransactionOutput(tx.ID, n.self.PublicKey, amount)}
	genesis := model.NewGenesisBlock(*tx)

	n.chain = model.Chain{*genesis}
	n.utxos.Add(tx.Outputs[0])
	n.seen.Add(tx.ID)
	n.current = model.NewBlock(genesis.Hash)
	n.logger.Info("Node::Genesis",
		zap.String("hash", genesis.Hash),
		zap.String("amount", amount.String()),
		zap.String("owner", pkg.ShortAddress(n.self.PublicKey)))
}

func (n *Node) ID() string           { return n.id }
func (n *Node) Bootstrap() bool      { return n.bootstrap }
func (n *Node) Initialized() bool    { return len(n.chain) > 0 }
func (n *Node) Mining() bool         { return n.job != nil }
func (n *Node) Chain() model.Chain   { return n.chain }
func (n *Node) Ring() model.Ring     { return n.ring }
func (n *Node) UTXOs() model.UTXOSet { return n.utxos }

// CurrentBlock is the open block under construction.
func (n *Node) CurrentBlock() *model.Block { return n.current }

// MiningResults delivers nonces found by the mining worker.
func (n *Node) MiningResults() <-chan mining.Result {
	return n.miner.Results()
}

// Balance of the node wallet.
func (n *Node) Balance() decimal.Decimal {
	return n.wallet.Balance(n.utxos)
}

func (n *Node) tip() *model.Block {
	return n.chain.Tip()
}

func (n *Node) blockFull() bool {
	return n.job != nil || len(n.current.Transactions) >= n.params.Capacity
}

// pending reports whether id waits in the open block or the mining snapshot.
func (n *Node) pending(id string) bool {
	for i := range n.current.Transactions {
		if n.current.Transactions[i].ID == id {
			return true
		}
	}
	if n.job != nil {
		for i := range n.job.Snapshot.Transactions {
			if n.job.Snapshot.Transactions[i].ID == id {
				return true
			}
		}
	}
	return false
}

func (n *Node) peers() []model.Peer {
	return n.ring.Peers(n.id)
}

// accept validates tx against the node state and adds it to the open block.
func (n *Node) accept(tx *model.Transaction) (*model.Transaction, error) {
	if n.pending(tx.ID) {
		return nil, fmt.Errorf("%w: %s is pending", model.ErrTransactionAlreadyAdded, tx.ID)
	}
	valid, err := ledger.ValidateTransaction(tx, n.utxos, n.seen, n.blockFull())
	if err != nil {
		return nil, err
	}
	n.current.Transactions = append(n.current.Transactions, *valid)
	n.logger.Info("Node::AddTransaction",
		zap.String("id", valid.ID),
		zap.String("sender", pkg.ShortAddress(valid.SenderAddress)),
		zap.String("receiver", pkg.ShortAddress(valid.ReceiverAddress)),
		zap.String("amount", valid.Amount.String()),
		zap.Int("block_len", len(n.current.Transactions)))
	n.maybeStartMining()
	return valid, nil
}

// ReceiveTransaction validates a transaction broadcast by a peer.
func (n *Node) ReceiveTransaction(tx *model.Transaction) error {
	if !n.Initialized() {
		return model.ErrNotInitialized
	}
	_, err := n.accept(tx)
	return err
}

// CreateLocalTransfer pays req.Amount to the ring member req.ReceiverNodeID,
// adds the transaction to the open block and broadcasts it.
func (n *Node) CreateLocalTransfer(ctx context.Context, req *model.LocalTransfer) (*model.Transaction, error) {
	if !n.Initialized() {
		return nil, model.ErrNotInitialized
	}
	if n.blockFull() {
		return nil, model.ErrBlockFull
	}
	entry, ok := n.ring[req.ReceiverNodeID]
	if !ok {
		return nil, fmt.Errorf("%w: node %s is not in the ring", model.ErrUnauthorizedNode, req.ReceiverNodeID)
	}
	tx, err := ledger.CreateTransaction(n.wallet, entry.PublicKey, req.Amount, n.utxos)
	if err != nil {
		return nil, err
	}
	valid, err := n.accept(tx)
	if err != nil {
		return nil, err
	}
	n.transport.BroadcastTransaction(ctx, n.peers(), tx)
	return valid, nil
}

// maybeStartMining hands the first Capacity transactions of the open block to
// the miner when no search is running.
func (n *Node) maybeStartMining() {
	if n.job != nil || len(n.current.Transactions) < n.params.Capacity {
		return
	}
	snapshot := model.NewBlock(n.tip().Hash)
	snapshot.Transactions = append(snapshot.Transactions, n.current.Transactions[:n.params.Capacity]...)
	rest := append([]model.Transaction{}, n.current.Transactions[n.params.Capacity:]...)
	n.current = model.NewBlock(n.tip().Hash)
	n.current.Transactions = rest

	n.job = n.miner.Start(snapshot, n.params.Difficulty)
	n.logger.Info("Mining::Start",
		zap.Uint64("job", n.job.ID),
		zap.String("previous_hash", snapshot.PreviousHash),
		zap.Int("tx_len", len(snapshot.Transactions)))
}

// cancelMining stops the running search and returns the transactions of its
// snapshot.
func (n *Node) cancelMining() []model.Transaction {
	if n.job == nil {
		return nil
	}
	job := n.job
	n.job = nil
	job.Cancel()
	n.logger.Info("Mining::Cancel", zap.Uint64("job", job.ID))
	return job.Snapshot.Transactions
}

// reopen rebuilds the open block on top of the tip from the recovered
// transactions followed by the ones still open, dropping those now in the
// chain.
func (n *Node) reopen(recovered []model.Transaction) {
	txs := append(append([]model.Transaction{}, recovered...), n.current.Transactions...)
	n.current = model.NewBlock(n.tip().Hash)
	n.current.Transactions = txs
	if removed := consensus.PrunePending(n.current, n.seen); len(removed) > 0 {
		n.logger.Info("Node::Prune", zap.Strings("ids", removed))
	}
}

func (n *Node) appendBlock(b *model.Block) {
	n.chain = append(n.chain, *b)
	n.seen.Add(b.TransactionIDs()...)
	n.logger.Info("Node::AppendBlock",
		zap.Int("height", len(n.chain)-1),
		zap.String("hash", b.Hash),
		zap.Int("tx_len", len(b.Transactions)))
}

// HandleMiningResult appends a block mined by this node and broadcasts it.
// Results for a cancelled search or an outdated tip return
// ErrStaleMiningResult and leave the state untouched.
func (n *Node) HandleMiningResult(ctx context.Context, r *mining.Result) error {
	if n.job == nil || r.JobID != n.job.ID {
		return fmt.Errorf("%w: job %d", model.ErrStaleMiningResult, r.JobID)
	}
	if r.Block.PreviousHash != n.tip().Hash {
		return fmt.Errorf("%w: block points to %s, tip is %s", model.ErrStaleMiningResult, r.Block.PreviousHash, n.tip().Hash)
	}
	job := n.job
	n.job = nil
	job.Cancel()

	b := job.Snapshot
	b.Nonce, b.Hash = r.Nonce, r.Hash
	if err := validation.ValidateBlock(&b, n.tip().Hash, n.seen, n.params.Difficulty); err != nil {
		n.reopen(job.Snapshot.Transactions)
		n.maybeStartMining()
		return err
	}
	n.appendBlock(&b)
	n.reopen(nil)
	n.transport.BroadcastBlock(ctx, n.peers(), &b)
	n.maybeStartMining()
	return nil
}

// ReceiveBlock handles a block mined by a peer. Any running search is
// cancelled first. A block that does not extend the tip triggers conflict
// resolution. Transactions of the cancelled snapshot that did not make it
// into the chain go back into the open block.
func (n *Node) ReceiveBlock(ctx context.Context, b *model.Block) error {
	if !n.Initialized() {
		return model.ErrNotInitialized
	}
	for i := range n.chain {
		if n.chain[i].Hash == b.Hash {
			return nil
		}
	}

	recovered := n.cancelMining()
	err := validation.ValidateBlock(b, n.tip().Hash, n.seen, n.params.Difficulty)
	switch {
	case err == nil:
		n.applyUnknown(b, recovered)
		n.appendBlock(b)
	case errors.Is(err, model.ErrInvalidPreviousHashKey):
		n.logger.Warn("Node::Diverged", zap.String("hash", b.Hash), zap.Error(err))
		err = n.resolveConflicts(ctx)
	}
	n.reopen(recovered)
	n.maybeStartMining()
	return err
}

// applyUnknown applies to the UTXO set the transactions of b that never went
// through this node, so balances follow the chain.
func (n *Node) applyUnknown(b *model.Block, recovered []model.Transaction) {
	known := strset.New()
	for i := range recovered {
		known.Add(recovered[i].ID)
	}
	known.Add(n.current.TransactionIDs()...)

	for i := range b.Transactions {
		tx := b.Transactions[i]
		if known.Has(tx.ID) {
			continue
		}
		if _, err := ledger.ValidateTransaction(&tx, n.utxos, nil, false); err != nil {
			n.logger.Warn("Node::ApplyBlockTransaction", zap.String("id", tx.ID), zap.Error(err))
		}
	}
}

// resolveConflicts asks every peer for its chain and adopts the longest one
// that verifies. The node's own chain competes as well.
func (n *Node) resolveConflicts(ctx context.Context) error {
	own, err := n.Snapshot()
	if err != nil {
		return err
	}
	peers := n.peers()
	snapshots := make([]*model.ChainSnapshot, len(peers))

	var g errgroup.Group
	for i := range peers {
		i := i
		g.Go(func() error {
			s, err := n.transport.RequestChain(ctx, peers[i])
			if err != nil {
				n.logger.Warn("Consensus::RequestChain", zap.String("node", peers[i].NodeID), zap.Error(err))
				return nil
			}
			snapshots[i] = s
			return nil
		})
	}
	_ = g.Wait()

	candidates := make([]consensus.Candidate, 0, len(peers)+1)
	candidates = append(candidates, consensus.Candidate{NodeID: n.id, Snapshot: own})
	for i, s := range snapshots {
		candidates = append(candidates, consensus.Candidate{NodeID: peers[i].NodeID, Snapshot: s})
	}
	winner, err := consensus.Resolve(candidates, n.ring, n.logger)
	if err != nil {
		return err
	}
	if winner.NodeID == n.id {
		return nil
	}
	n.chain = winner.Snapshot.Chain
	n.seen = strset.New(n.chain.TransactionIDs()...)
	n.logger.Info("Consensus::Adopt",
		zap.String("node", winner.NodeID),
		zap.Int("chain_len", len(n.chain)),
		zap.String("tip", n.tip().Hash))
	return nil
}

// RegisterNode admits a newcomer to the ring. Only the bootstrap node
// registers members. The newcomer receives the current ledger first; the
// returned transfer funds it and must be queued by the caller. Once the ring
// is complete it is signed and broadcast.
func (n *Node) RegisterNode(ctx context.Context, j *model.NodeJoined) (*model.LocalTransfer, error) {
	if !n.bootstrap {
		return nil, fmt.Errorf("%w: only the bootstrap node registers members", model.ErrUnauthorizedNode)
	}
	if len(n.ring) >= n.params.RingSize {
		return nil, fmt.Errorf("%w: ring is full", model.ErrUnauthorizedNode)
	}
	if id, ok := n.ring.NodeIDOf(j.PublicKey); ok {
		return nil, fmt.Errorf("%w: key already registered as node %s", model.ErrUnauthorizedNode, id)
	}
	if _, err := wallet.ImportAddress(j.PublicKey); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrUnauthorizedNode, err)
	}

	id := strconv.Itoa(len(n.ring))
	entry := model.RingEntry{Address: j.Address, Port: j.Port, PublicKey: j.PublicKey}
	n.ring[id] = entry
	settings := &model.InitSettings{
		NodeID:              id,
		Ring:                n.ring.Copy(),
		Chain:               append(model.Chain(nil), n.chain...),
		UTXOs:               n.utxos.Clone(),
		ChainTransactionIDs: n.chain.TransactionIDs(),
	}
	if err := n.transport.NotifyPeerJoined(ctx, model.Peer{NodeID: id, RingEntry: entry}, settings); err != nil {
		delete(n.ring, id)
		return nil, err
	}
	n.logger.Info("Node::Register",
		zap.String("node", id),
		zap.String("addr", fmt.Sprintf("%s:%d", j.Address, j.Port)),
		zap.String("key", pkg.ShortAddress(j.PublicKey)),
		zap.Int("ring_len", len(n.ring)))

	if len(n.ring) == n.params.RingSize {
		if err := n.broadcastRing(ctx); err != nil {
			return nil, err
		}
	}
	return &model.LocalTransfer{ReceiverNodeID: id, Amount: n.params.InitialCoins}, nil
}

func (n *Node) broadcastRing(ctx context.Context) error {
	digest, hash, err := model.RingHash(n.ring)
	if err != nil {
		return err
	}
	sig, err := n.wallet.Sign(digest)
	if err != nil {
		return err
	}
	n.transport.BroadcastRing(ctx, n.peers(), &model.RingUpdate{Ring: n.ring.Copy(), Signature: sig, RingHash: hash})
	n.logger.Info("Node::RingComplete", zap.String("ring_hash", hash))
	return nil
}

// ApplySettings initializes a joining node from the bootstrap node's ledger.
func (n *Node) ApplySettings(s *model.InitSettings) error {
	if n.bootstrap {
		return fmt.Errorf("%w: bootstrap node does not accept settings", model.ErrUnauthorizedNode)
	}
	if n.Initialized() {
		return fmt.Errorf("%w: node %s is already initialized", model.ErrUnauthorizedNode, n.id)
	}
	if e, ok := s.Ring[s.NodeID]; !ok || e.PublicKey != n.self.PublicKey {
		return fmt.Errorf("%w: settings are not addressed to this node", model.ErrUnauthorizedNode)
	}
	if err := validation.ValidateChain(s.Chain, n.params.Difficulty); err != nil {
		return err
	}

	n.id = s.NodeID
	n.ring = s.Ring
	n.chain = s.Chain
	n.utxos = s.UTXOs
	if n.utxos == nil {
		n.utxos = model.UTXOSet{}
	}
	n.seen = strset.New(n.chain.TransactionIDs()...)
	n.current = model.NewBlock(n.tip().Hash)
	n.logger.Info("Node::Init",
		zap.String("node", n.id),
		zap.Int("chain_len", len(n.chain)),
		zap.Int("ring_len", len(n.ring)))
	return nil
}

// AcceptRing replaces the ring with the final one signed by the bootstrap node.
func (n *Node) AcceptRing(u *model.RingUpdate) error {
	if n.bootstrap {
		return fmt.Errorf("%w: bootstrap node owns the ring", model.ErrUnauthorizedNode)
	}
	if !n.Initialized() {
		return model.ErrNotInitialized
	}
	digest, hash, err := model.RingHash(u.Ring)
	if err != nil {
		return err
	}
	if hash != u.RingHash {
		return fmt.Errorf("%w: ring hashes to %s, declared %s", model.ErrInvalidHash, hash, u.RingHash)
	}
	boot, ok := n.ring[model.BootstrapNodeID]
	if !ok || u.Ring[model.BootstrapNodeID].PublicKey != boot.PublicKey {
		return fmt.Errorf("%w: ring is not rooted at the bootstrap node", model.ErrUnauthorizedNode)
	}
	if err := wallet.Verify(boot.PublicKey, digest, u.Signature); err != nil {
		return err
	}
	n.ring = u.Ring
	n.logger.Info("Node::Ring", zap.Int("ring_len", len(n.ring)), zap.String("ring_hash", hash))
	return nil
}

// Snapshot returns the signed chain served to peers during consensus.
func (n *Node) Snapshot() (*model.ChainSnapshot, error) {
	if !n.Initialized() {
		return nil, model.ErrNotInitialized
	}
	return consensus.NewSnapshot(append(model.Chain(nil), n.chain...), n.utxos.Clone(), n.chain.TransactionIDs(), n.wallet)
}

// Status exports the node state for monitoring tools.
func (n *Node) Status() (*model.Status, error) {
	st := &model.Status{
		NodeID:    n.id,
		Address:   n.self.Address,
		Port:      n.self.Port,
		Ring:      n.ring.Copy(),
		PublicKey: n.self.PublicKey,
		Mining:    n.job != nil,
	}
	if !n.Initialized() {
		return st, nil
	}
	snap, err := n.Snapshot()
	if err != nil {
		return nil, err
	}
	st.ChainSnapshot = *snap
	st.CurrentBlock = n.current.Copy()
	return st, nil
}

// Stop cancels any running search.
func (n *Node) Stop() {
	n.cancelMining()
}

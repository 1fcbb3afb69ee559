package node

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/wx-shi/ringledger/internal/config"
	"github.com/wx-shi/ringledger/internal/mining"
	"github.com/wx-shi/ringledger/internal/model"
	"github.com/wx-shi/ringledger/internal/peer"
	"github.com/wx-shi/ringledger/internal/wallet"
	"go.uber.org/zap"
)

const testDifficulty = 1

type fakeTransport struct {
	mu       sync.Mutex
	nodes    map[string]*Node
	override map[string]*model.ChainSnapshot
	txs      []*model.Transaction
	blocks   []*model.Block
	rings    []*model.RingUpdate
	settings map[string]*model.InitSettings
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		nodes:    make(map[string]*Node),
		override: make(map[string]*model.ChainSnapshot),
		settings: make(map[string]*model.InitSettings),
	}
}

func (f *fakeTransport) BroadcastTransaction(_ context.Context, _ []model.Peer, tx *model.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, tx)
}

func (f *fakeTransport) BroadcastBlock(_ context.Context, _ []model.Peer, b *model.Block) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, b)
}

func (f *fakeTransport) BroadcastRing(_ context.Context, _ []model.Peer, u *model.RingUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rings = append(f.rings, u)
}

func (f *fakeTransport) RequestChain(_ context.Context, p model.Peer) (*model.ChainSnapshot, error) {
	f.mu.Lock()
	s, ok := f.override[p.NodeID]
	n := f.nodes[p.NodeID]
	f.mu.Unlock()
	if ok {
		return s, nil
	}
	if n == nil {
		return nil, errors.New("unreachable")
	}
	return n.Snapshot()
}

func (f *fakeTransport) NotifyPeerJoined(_ context.Context, p model.Peer, s *model.InitSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[p.NodeID] = s
	return nil
}

func testParams(size, capacity int) Params {
	return Params{
		RingSize:     size,
		Capacity:     capacity,
		Difficulty:   testDifficulty,
		InitialCoins: decimal.NewFromInt(100),
	}
}

func newTestNode(t *testing.T, params Params, bootstrap bool, port int, tr Transport) *Node {
	t.Helper()
	w, err := wallet.New()
	require.NoError(t, err)
	n := New(params, bootstrap, model.RingEntry{Address: "127.0.0.1", Port: port}, w, tr, zap.NewNop())
	t.Cleanup(n.Stop)
	return n
}

// newTestRing builds a complete ring of size nodes. Node 0 is the bootstrap
// node; the funding transfers it returns are not executed.
func newTestRing(t *testing.T, size, capacity int) (*fakeTransport, []*Node) {
	t.Helper()
	ctx := context.Background()
	tr := newFakeTransport()
	params := testParams(size, capacity)

	nodes := make([]*Node, size)
	nodes[0] = newTestNode(t, params, true, 5000, tr)
	tr.nodes[nodes[0].ID()] = nodes[0]
	for i := 1; i < size; i++ {
		nodes[i] = newTestNode(t, params, false, 5000+i, tr)
		funding, err := nodes[0].RegisterNode(ctx, &model.NodeJoined{
			Address:   "127.0.0.1",
			Port:      5000 + i,
			PublicKey: nodes[i].self.PublicKey,
		})
		require.NoError(t, err)
		require.Equal(t, strconv.Itoa(i), funding.ReceiverNodeID)
		require.True(t, funding.Amount.Equal(params.InitialCoins))

		require.NoError(t, nodes[i].ApplySettings(tr.settings[strconv.Itoa(i)]))
		require.Equal(t, strconv.Itoa(i), nodes[i].ID())
		tr.nodes[nodes[i].ID()] = nodes[i]
	}
	if size > 1 {
		require.Len(t, tr.rings, 1)
		for _, n := range nodes[1:] {
			require.NoError(t, n.AcceptRing(tr.rings[0]))
			require.Len(t, n.Ring(), size)
		}
	}
	return tr, nodes
}

// mineNext waits for the next result of n that is not stale and applies it.
func mineNext(t *testing.T, n *Node) *model.Block {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case r := <-n.MiningResults():
			err := n.HandleMiningResult(context.Background(), &r)
			if errors.Is(err, model.ErrStaleMiningResult) {
				continue
			}
			require.NoError(t, err)
			return n.Chain().Tip()
		case <-timeout:
			t.Fatal("no mining result")
			return nil
		}
	}
}

func transfer(t *testing.T, n *Node, receiver string, amount int64) *model.Transaction {
	t.Helper()
	tx, err := n.CreateLocalTransfer(context.Background(), &model.LocalTransfer{
		ReceiverNodeID: receiver,
		Amount:         decimal.NewFromInt(amount),
	})
	require.NoError(t, err)
	return tx
}

func TestBootstrapTransferStartsMining(t *testing.T) {
	tr, nodes := newTestRing(t, 4, 1)
	boot, n1 := nodes[0], nodes[1]
	require.True(t, boot.Balance().Equal(decimal.NewFromInt(400)))

	tx := transfer(t, boot, "1", 50)
	require.Len(t, tx.Outputs, 2)
	require.Equal(t, n1.self.PublicKey, tx.Outputs[0].ReceiverAddress)
	require.True(t, tx.Outputs[0].Amount.Equal(decimal.NewFromInt(50)))
	require.Equal(t, boot.self.PublicKey, tx.Outputs[1].ReceiverAddress)
	require.True(t, tx.Outputs[1].Amount.Equal(decimal.NewFromInt(350)))
	require.True(t, boot.Mining())
	require.Empty(t, boot.CurrentBlock().Transactions)
	require.Len(t, tr.txs, 1)

	_, err := boot.CreateLocalTransfer(context.Background(), &model.LocalTransfer{ReceiverNodeID: "2", Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, model.ErrBlockFull)

	b := mineNext(t, boot)
	require.Len(t, boot.Chain(), 2)
	require.Equal(t, []string{tx.ID}, b.TransactionIDs())
	require.True(t, model.MeetsDifficulty(b.Hash, testDifficulty))
	require.Len(t, tr.blocks, 1)
	require.False(t, boot.Mining())

	require.NoError(t, n1.ReceiveTransaction(tr.txs[0]))
	require.True(t, n1.Mining())
	require.NoError(t, n1.ReceiveBlock(context.Background(), tr.blocks[0]))
	require.False(t, n1.Mining())
	require.Len(t, n1.Chain(), 2)
	require.Empty(t, n1.CurrentBlock().Transactions)
	require.True(t, n1.Balance().Equal(decimal.NewFromInt(50)))

	// replay of a recorded transaction
	require.ErrorIs(t, n1.ReceiveTransaction(tr.txs[0]), model.ErrTransactionAlreadyAdded)
}

func TestStaleMiningResultDiscarded(t *testing.T) {
	tr, nodes := newTestRing(t, 2, 1)
	boot, n1 := nodes[0], nodes[1]

	transfer(t, boot, "1", 30)
	require.NoError(t, n1.ReceiveTransaction(tr.txs[0]))

	var late mining.Result
	select {
	case late = <-n1.MiningResults():
	case <-time.After(10 * time.Second):
		t.Fatal("no mining result")
	}

	b := mineNext(t, boot)
	require.NoError(t, n1.ReceiveBlock(context.Background(), b))
	require.Len(t, n1.Chain(), 2)

	err := n1.HandleMiningResult(context.Background(), &late)
	require.ErrorIs(t, err, model.ErrStaleMiningResult)
	require.Len(t, n1.Chain(), 2)
	require.Equal(t, b.Hash, n1.Chain().Tip().Hash)
}

func TestPreemptedTransactionsAreMinedOnNewTip(t *testing.T) {
	tr, nodes := newTestRing(t, 3, 1)
	boot, n1 := nodes[0], nodes[1]

	tx1 := transfer(t, boot, "1", 100)
	b1 := mineNext(t, boot)
	require.NoError(t, n1.ReceiveTransaction(tr.txs[0]))
	require.NoError(t, n1.ReceiveBlock(context.Background(), b1))
	require.False(t, n1.Mining())
	require.Equal(t, []string{tx1.ID}, n1.Chain().Tip().TransactionIDs())

	tx2 := transfer(t, n1, "2", 10)
	require.True(t, n1.Mining())
	transfer(t, boot, "2", 5)
	b2 := mineNext(t, boot)

	require.NoError(t, n1.ReceiveBlock(context.Background(), b2))
	require.True(t, n1.Mining())

	b3 := mineNext(t, n1)
	require.Len(t, n1.Chain(), 4)
	require.Equal(t, b2.Hash, b3.PreviousHash)
	require.Equal(t, []string{tx2.ID}, b3.TransactionIDs())
	require.True(t, n1.Balance().Equal(decimal.NewFromInt(90)))
	// 10 from its own transfer, 5 applied from the peer block
	require.True(t, n1.UTXOs().Balance(nodes[2].self.PublicKey).Equal(decimal.NewFromInt(15)))
}

func TestDivergedChainIsResolved(t *testing.T) {
	tr, nodes := newTestRing(t, 2, 1)
	boot, n1 := nodes[0], nodes[1]

	transfer(t, boot, "1", 10)
	mineNext(t, boot)
	transfer(t, boot, "1", 20)
	b2 := mineNext(t, boot)

	t.Run("forged snapshot ignored", func(t *testing.T) {
		forged, err := boot.Snapshot()
		require.NoError(t, err)
		forged.ChainHash = "00"
		tr.override["0"] = forged
		defer delete(tr.override, "0")

		require.NoError(t, n1.ReceiveBlock(context.Background(), b2))
		require.Len(t, n1.Chain(), 1)
	})

	require.NoError(t, n1.ReceiveBlock(context.Background(), b2))
	require.Len(t, n1.Chain(), 3)
	require.Equal(t, b2.Hash, n1.Chain().Tip().Hash)
	require.Equal(t, b2.Hash, n1.CurrentBlock().PreviousHash)

	// already in the chain
	require.NoError(t, n1.ReceiveBlock(context.Background(), b2))
	require.Len(t, n1.Chain(), 3)
}

func TestInvalidBlockKeepsState(t *testing.T) {
	_, nodes := newTestRing(t, 2, 1)
	boot, n1 := nodes[0], nodes[1]

	transfer(t, boot, "1", 10)
	b := *mineNext(t, boot)
	b.Nonce = "tampered"
	err := n1.ReceiveBlock(context.Background(), &b)
	require.ErrorIs(t, err, model.ErrInvalidHash)
	require.Len(t, n1.Chain(), 1)
}

func TestRegisterNode(t *testing.T) {
	tr, nodes := newTestRing(t, 3, 1)
	ctx := context.Background()

	extra := newTestNode(t, testParams(3, 1), false, 6000, tr)
	joined := &model.NodeJoined{Address: "127.0.0.1", Port: 6000, PublicKey: extra.self.PublicKey}

	_, err := nodes[0].RegisterNode(ctx, joined)
	require.ErrorIs(t, err, model.ErrUnauthorizedNode)
	require.Contains(t, err.Error(), "ring is full")

	_, err = nodes[1].RegisterNode(ctx, joined)
	require.ErrorIs(t, err, model.ErrUnauthorizedNode)

	ring := tr.rings[0]
	_, hash, err := model.RingHash(nodes[0].Ring())
	require.NoError(t, err)
	require.Equal(t, hash, ring.RingHash)
}

func TestRegisterNodeRejectsDuplicateKey(t *testing.T) {
	tr := newFakeTransport()
	params := testParams(3, 1)
	boot := newTestNode(t, params, true, 5000, tr)
	n1 := newTestNode(t, params, false, 5001, tr)
	joined := &model.NodeJoined{Address: "127.0.0.1", Port: 5001, PublicKey: n1.self.PublicKey}

	_, err := boot.RegisterNode(context.Background(), joined)
	require.NoError(t, err)
	_, err = boot.RegisterNode(context.Background(), joined)
	require.ErrorIs(t, err, model.ErrUnauthorizedNode)

	joined.PublicKey = "not a key"
	_, err = boot.RegisterNode(context.Background(), joined)
	require.ErrorIs(t, err, model.ErrUnauthorizedNode)
	require.Len(t, boot.Ring(), 2)
	require.Empty(t, tr.rings)
}

func TestAcceptRing(t *testing.T) {
	tr, nodes := newTestRing(t, 3, 1)
	n1 := nodes[1]
	signed := tr.rings[0]

	require.ErrorIs(t, nodes[0].AcceptRing(signed), model.ErrUnauthorizedNode)

	badHash := *signed
	badHash.RingHash = "00"
	require.ErrorIs(t, n1.AcceptRing(&badHash), model.ErrInvalidHash)

	digest, _, err := model.RingHash(signed.Ring)
	require.NoError(t, err)
	sig, err := nodes[2].wallet.Sign(digest)
	require.NoError(t, err)
	forged := *signed
	forged.Signature = sig
	require.ErrorIs(t, n1.AcceptRing(&forged), model.ErrInvalidSignature)
}

func TestApplySettings(t *testing.T) {
	tr, nodes := newTestRing(t, 2, 1)
	fresh := newTestNode(t, testParams(2, 1), false, 6000, tr)

	require.ErrorIs(t, nodes[0].ApplySettings(tr.settings["1"]), model.ErrUnauthorizedNode)
	require.ErrorIs(t, nodes[1].ApplySettings(tr.settings["1"]), model.ErrUnauthorizedNode)
	require.ErrorIs(t, fresh.ApplySettings(tr.settings["1"]), model.ErrUnauthorizedNode)

	chain := append(model.Chain(nil), nodes[0].Chain()...)
	chain[0].Hash = "00"
	err := fresh.ApplySettings(&model.InitSettings{
		NodeID: "1",
		Ring:   model.Ring{"1": {PublicKey: fresh.self.PublicKey}},
		Chain:  chain,
	})
	require.ErrorIs(t, err, model.ErrInvalidHash)
	require.False(t, fresh.Initialized())
}

func TestUninitializedNode(t *testing.T) {
	fresh := newTestNode(t, testParams(2, 1), false, 6000, newFakeTransport())
	ctx := context.Background()

	_, err := fresh.CreateLocalTransfer(ctx, &model.LocalTransfer{ReceiverNodeID: "0", Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, model.ErrNotInitialized)
	require.ErrorIs(t, fresh.ReceiveBlock(ctx, &model.Block{}), model.ErrNotInitialized)
	require.ErrorIs(t, fresh.ReceiveTransaction(&model.Transaction{}), model.ErrNotInitialized)
	require.ErrorIs(t, fresh.AcceptRing(&model.RingUpdate{}), model.ErrNotInitialized)

	st, err := fresh.Status()
	require.NoError(t, err)
	require.Empty(t, st.Chain)
	require.Equal(t, fresh.self.PublicKey, st.PublicKey)
}

func TestLocalTransferUnknownReceiver(t *testing.T) {
	_, nodes := newTestRing(t, 2, 1)
	_, err := nodes[0].CreateLocalTransfer(context.Background(), &model.LocalTransfer{ReceiverNodeID: "9", Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, model.ErrUnauthorizedNode)

	_, err = nodes[1].CreateLocalTransfer(context.Background(), &model.LocalTransfer{ReceiverNodeID: "0", Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, model.ErrInsufficientAmount)
}

func TestStatusIsSigned(t *testing.T) {
	_, nodes := newTestRing(t, 2, 2)
	boot := nodes[0]
	transfer(t, boot, "1", 5)

	st, err := boot.Status()
	require.NoError(t, err)
	require.Equal(t, "0", st.NodeID)
	require.False(t, st.Mining)
	require.Len(t, st.CurrentBlock.Transactions, 1)

	digest, hash, err := model.ChainHash(st.Chain)
	require.NoError(t, err)
	require.Equal(t, hash, st.ChainHash)
	require.NoError(t, wallet.Verify(st.PublicKey, digest, st.ChainSignature))
	require.Equal(t, boot.Chain().LastBlockTimestamp(), st.LastBlockTimestamp)
}

func TestUnresponsivePeerDoesNotStallNode(t *testing.T) {
	gin.SetMode(gin.TestMode)
	release := make(chan struct{})
	engine := gin.New()
	engine.Any("/*path", func(ctx *gin.Context) {
		select {
		case <-release:
		case <-ctx.Request.Context().Done():
		}
		ctx.JSON(http.StatusOK, gin.H{"code": http.StatusOK})
	})
	srv := httptest.NewServer(engine)
	defer srv.Close()
	defer close(release)
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	client := peer.NewClient(&config.PeerConfig{Timeout: 5 * time.Second, Attempts: 3}, zap.NewNop())
	defer client.Close()
	boot := newTestNode(t, testParams(3, 1), true, 5000, client)
	w, err := wallet.New()
	require.NoError(t, err)

	start := time.Now()
	_, err = boot.RegisterNode(context.Background(), &model.NodeJoined{Address: host, Port: p, PublicKey: w.Address()})
	require.NoError(t, err)
	transfer(t, boot, "1", 10)
	require.Less(t, time.Since(start), time.Second)

	var r mining.Result
	select {
	case r = <-boot.MiningResults():
	case <-time.After(10 * time.Second):
		t.Fatal("no mining result")
	}
	start = time.Now()
	require.NoError(t, boot.HandleMiningResult(context.Background(), &r))
	require.Less(t, time.Since(start), time.Second)
	require.Len(t, boot.Chain(), 2)
}

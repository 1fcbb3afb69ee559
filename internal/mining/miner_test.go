package mining

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/wx-shi/ringledger/internal/model"
	"go.uber.org/zap"
)

func testBlock() *model.Block {
	b := model.NewBlock("prev")
	b.Transactions = append(b.Transactions, *model.NewTransaction("a", "b", decimal.NewFromInt(3), []string{"x"}))
	return b
}

func TestSolve(t *testing.T) {
	b := testBlock()
	nonce, hash, err := Solve(context.Background(), b, 2)
	require.NoError(t, err)
	require.Len(t, nonce, 2*NonceSize)
	require.True(t, model.MeetsDifficulty(hash, 2))

	b.Nonce = nonce
	require.Equal(t, hash, b.ComputeHash())
}

func TestSolveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := Solve(ctx, testBlock(), 64)
	require.ErrorIs(t, err, context.Canceled)
}

func TestMinerDeliversResult(t *testing.T) {
	m := NewMiner(zap.NewNop())
	b := testBlock()
	job := m.Start(b, 1)

	// the caller keeps mutating its own block
	b.Transactions = nil

	select {
	case res := <-m.Results():
		require.Equal(t, job.ID, res.JobID)
		require.Len(t, res.Block.Transactions, 1)
		require.Equal(t, res.Hash, res.Block.ComputeHash())
		require.True(t, model.MeetsDifficulty(res.Hash, 1))
	case <-time.After(10 * time.Second):
		t.Fatal("no mining result")
	}
	job.Cancel()
}

func TestMinerCancel(t *testing.T) {
	m := NewMiner(zap.NewNop())
	job := m.Start(testBlock(), 64)
	job.Cancel()
	job.Cancel()

	select {
	case <-job.Done():
	default:
		t.Fatal("worker still running after Cancel")
	}
	select {
	case res := <-m.Results():
		t.Fatalf("unexpected result %+v", res)
	default:
	}
}

// Package mining runs the proof-of-work search for a block snapshot.
package mining

import (
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wx-shi/ringledger/internal/model"
	"go.uber.org/zap"
	"lukechampine.com/frand"
)

const (
	// NonceSize is the number of random bytes in a nonce before hex encoding.
	NonceSize = 32

	// how many hashes are tried between two cancellation checks
	checkEvery = 1024
)

// Result is a found nonce for the snapshot of job JobID.
type Result struct {
	JobID uint64
	Nonce string
	Hash  string
	Block model.Block
}

// Solve samples random nonces until the hash of block meets difficulty or ctx
// is done.
func Solve(ctx context.Context, block *model.Block, difficulty int) (nonce, hash string, err error) {
	preimage := block.Preimage()
	buf := make([]byte, len(preimage), len(preimage)+2*NonceSize)
	copy(buf, preimage)
	raw := make([]byte, NonceSize)
	enc := make([]byte, 2*NonceSize)

	for i := 0; ; i++ {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return "", "", err
			}
		}
		frand.Read(raw)
		hex.Encode(enc, raw)
		h := model.HashWithNonce(buf, string(enc))
		if model.MeetsDifficulty(h, difficulty) {
			return string(enc), h, nil
		}
	}
}

// Miner launches cancellable search workers and funnels their results into a
// single channel.
type Miner struct {
	logger  *zap.Logger
	results chan Result
	nextID  uint64
}

func NewMiner(logger *zap.Logger) *Miner {
	return &Miner{
		logger:  logger,
		results: make(chan Result, 1),
	}
}

// Results delivers found nonces. Results of cancelled jobs may still arrive and
// must be discarded by the consumer.
func (m *Miner) Results() <-chan Result {
	return m.results
}

// Job is one in-flight search.
type Job struct {
	ID       uint64
	Snapshot model.Block

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start copies block and searches a nonce for it in a new goroutine.
func (m *Miner) Start(block *model.Block, difficulty int) *Job {
	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:       atomic.AddUint64(&m.nextID, 1),
		Snapshot: *block.Copy(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	snapshot := job.Snapshot.Copy()

	go func() {
		defer close(job.done)
		start := time.Now()
		nonce, hash, err := Solve(ctx, snapshot, difficulty)
		if err != nil {
			m.logger.Debug("Mining::Cancelled", zap.Uint64("job", job.ID), zap.Duration("ttl", time.Since(start)))
			return
		}
		m.logger.Info("Mining::Found",
			zap.Uint64("job", job.ID),
			zap.String("hash", hash),
			zap.Int("tx_len", len(snapshot.Transactions)),
			zap.Duration("ttl", time.Since(start)))

		snapshot.Nonce = nonce
		snapshot.Hash = hash
		select {
		case m.results <- Result{JobID: job.ID, Nonce: nonce, Hash: hash, Block: *snapshot}:
		case <-ctx.Done():
		}
	}()
	return job
}

// Cancel stops the search and waits for the worker to exit.
func (j *Job) Cancel() {
	j.once.Do(j.cancel)
	<-j.done
}

// Done is closed once the worker has exited.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

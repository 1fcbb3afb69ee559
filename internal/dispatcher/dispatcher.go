// Package dispatcher runs the control loop that owns the node state. Inbound
// messages arrive through a durable queue, mining results through the miner
// channel, and every state change happens on the loop goroutine.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/wx-shi/ringledger/internal/db"
	"github.com/wx-shi/ringledger/internal/model"
	"github.com/wx-shi/ringledger/internal/node"
	"github.com/wx-shi/ringledger/pkg"
	"go.uber.org/zap"
)

// Queue is the inbound message store the loop drains.
type Queue interface {
	Enqueue(kind model.MessageKind, payload []byte) (int64, error)
	Notify() <-chan struct{}
	Pending() ([]db.Record, error)
	Ack(seq int64) error
}

// StatusStore receives the node status after every processed event.
type StatusStore interface {
	SaveStatus(st *model.Status) error
}

type Dispatcher struct {
	ctx    context.Context
	logger *zap.Logger
	node   *node.Node
	queue  Queue
	status StatusStore

	// closed once the loop has exited and mining is stopped
	Finish chan struct{}
}

func NewDispatcher(ctx context.Context, logger *zap.Logger, n *node.Node, q Queue, status StatusStore) *Dispatcher {
	return &Dispatcher{
		ctx:    ctx,
		logger: logger,
		node:   n,
		queue:  q,
		status: status,
		Finish: make(chan struct{}),
	}
}

// Start runs the loop in its own goroutine.
func (d *Dispatcher) Start() {
	d.publish()
	go d.run()
}

func (d *Dispatcher) run() {
	defer close(d.Finish)
	defer d.node.Stop()

	d.pump()
	for {
		select {
		case <-d.ctx.Done():
			return
		case r := <-d.node.MiningResults():
			d.handle(&MiningResultEvent{Result: r})
			d.pump()
		case <-d.queue.Notify():
			d.pump()
		}
	}
}

type queued struct {
	seq   int64
	event Event
}

// pump processes every pending immediate event in arrival order, then drains
// queued events one at a time until mining starts or the node asks to retry.
func (d *Dispatcher) pump() {
	records, err := d.queue.Pending()
	if err != nil {
		d.logger.Error("Dispatcher::Pending", zap.Error(err))
		return
	}

	deferred := make([]queued, 0, len(records))
	for _, r := range records {
		ev, err := Decode(r.Kind, r.Payload)
		if err != nil {
			d.logger.Warn("Dispatcher::Decode", zap.Int64("seq", r.Seq), zap.Error(err))
			d.ack(r.Seq)
			continue
		}
		if !ev.Immediate() {
			deferred = append(deferred, queued{seq: r.Seq, event: ev})
			continue
		}
		d.handle(ev)
		d.ack(r.Seq)
	}

	for _, q := range prioritize(deferred) {
		if d.ctx.Err() != nil || d.node.Mining() {
			return
		}
		err := d.handle(q.event)
		if errors.Is(err, model.ErrBlockFull) || errors.Is(err, model.ErrNotInitialized) {
			// left at the head of the queue
			return
		}
		d.ack(q.seq)
	}
}

// prioritize puts peer transactions first, oldest first, followed by local
// transfer requests in arrival order.
func prioritize(events []queued) []queued {
	out := make([]queued, 0, len(events))
	for _, q := range events {
		if _, ok := q.event.(*TransactionEvent); ok {
			out = append(out, q)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a := out[i].event.(*TransactionEvent).Transaction.Timestamp
		b := out[j].event.(*TransactionEvent).Transaction.Timestamp
		return a.Before(b)
	})
	for _, q := range events {
		if _, ok := q.event.(*TransactionEvent); !ok {
			out = append(out, q)
		}
	}
	return out
}

func (d *Dispatcher) ack(seq int64) {
	if err := d.queue.Ack(seq); err != nil {
		d.logger.Error("Dispatcher::Ack", zap.Int64("seq", seq), zap.Error(err))
	}
}

func (d *Dispatcher) handle(ev Event) error {
	start := time.Now()
	err := d.apply(ev)

	switch {
	case err == nil:
		d.logger.Info("Dispatcher::Handle", zap.String("event", ev.Name()), zap.Duration("ttl", time.Since(start)))
	case errors.Is(err, model.ErrBlockFull), errors.Is(err, model.ErrStaleMiningResult):
		d.logger.Debug("Dispatcher::Handle", zap.String("event", ev.Name()), zap.Error(err))
	default:
		d.logger.Warn("Dispatcher::Handle", zap.String("event", ev.Name()), zap.Error(err))
	}

	d.publish()
	return err
}

func (d *Dispatcher) apply(ev Event) error {
	switch e := ev.(type) {
	case *TransactionEvent:
		return d.node.ReceiveTransaction(e.Transaction)
	case *BlockEvent:
		return d.node.ReceiveBlock(d.ctx, e.Block)
	case *MiningResultEvent:
		return d.node.HandleMiningResult(d.ctx, &e.Result)
	case *RingEvent:
		return d.node.AcceptRing(e.Update)
	case *InitSettingsEvent:
		return d.node.ApplySettings(e.Settings)
	case *LocalTransferEvent:
		_, err := d.node.CreateLocalTransfer(d.ctx, e.Request)
		return err
	case *NodeJoinedEvent:
		funding, err := d.node.RegisterNode(d.ctx, e.Joined)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(funding)
		if err != nil {
			return err
		}
		_, err = d.queue.Enqueue(model.KindLocalTransfer, payload)
		return err
	}
	return model.ErrInvalidMessageType
}

// publish stores the node status for the read side.
func (d *Dispatcher) publish() {
	st, err := d.node.Status()
	if err != nil {
		d.logger.Error("Dispatcher::Status", zap.Error(err))
		return
	}
	if err := d.status.SaveStatus(st); err != nil {
		d.logger.Error("Dispatcher::SaveStatus", zap.Error(err))
		return
	}
	d.logger.Debug("Node::Balance",
		zap.String("node", st.NodeID),
		zap.String("key", pkg.ShortAddress(st.PublicKey)),
		zap.String("balance", d.node.Balance().String()),
		zap.Int("chain_len", len(st.Chain)))
}

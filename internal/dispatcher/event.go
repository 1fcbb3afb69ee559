package dispatcher

import (
	"encoding/json"
	"fmt"

	"github.com/wx-shi/ringledger/internal/mining"
	"github.com/wx-shi/ringledger/internal/model"
)

// Event is one input of the control loop. Immediate events pre-empt queued
// ones.
type Event interface {
	Name() string
	Immediate() bool
}

type TransactionEvent struct {
	Transaction *model.Transaction
}

type BlockEvent struct {
	Block *model.Block
}

type MiningResultEvent struct {
	Result mining.Result
}

type RingEvent struct {
	Update *model.RingUpdate
}

type NodeJoinedEvent struct {
	Joined *model.NodeJoined
}

type LocalTransferEvent struct {
	Request *model.LocalTransfer
}

type InitSettingsEvent struct {
	Settings *model.InitSettings
}

func (*TransactionEvent) Name() string   { return model.KindTransaction.String() }
func (*BlockEvent) Name() string         { return model.KindBlock.String() }
func (*MiningResultEvent) Name() string  { return "mining-result" }
func (*RingEvent) Name() string          { return model.KindRing.String() }
func (*NodeJoinedEvent) Name() string    { return model.KindNodeJoined.String() }
func (*LocalTransferEvent) Name() string { return model.KindLocalTransfer.String() }
func (*InitSettingsEvent) Name() string  { return model.KindInitSettings.String() }

func (*TransactionEvent) Immediate() bool   { return false }
func (*BlockEvent) Immediate() bool         { return true }
func (*MiningResultEvent) Immediate() bool  { return true }
func (*RingEvent) Immediate() bool          { return true }
func (*NodeJoinedEvent) Immediate() bool    { return true }
func (*LocalTransferEvent) Immediate() bool { return false }
func (*InitSettingsEvent) Immediate() bool  { return true }

// Decode parses a queued message payload of the given kind.
func Decode(kind model.MessageKind, payload []byte) (Event, error) {
	var (
		ev  Event
		dst interface{}
	)
	switch kind {
	case model.KindTransaction:
		e := &TransactionEvent{Transaction: &model.Transaction{}}
		ev, dst = e, e.Transaction
	case model.KindBlock:
		e := &BlockEvent{Block: &model.Block{}}
		ev, dst = e, e.Block
	case model.KindRing:
		e := &RingEvent{Update: &model.RingUpdate{}}
		ev, dst = e, e.Update
	case model.KindNodeJoined:
		e := &NodeJoinedEvent{Joined: &model.NodeJoined{}}
		ev, dst = e, e.Joined
	case model.KindLocalTransfer:
		e := &LocalTransferEvent{Request: &model.LocalTransfer{}}
		ev, dst = e, e.Request
	case model.KindInitSettings:
		e := &InitSettingsEvent{Settings: &model.InitSettings{}}
		ev, dst = e, e.Settings
	default:
		return nil, fmt.Errorf("%w: %d", model.ErrInvalidMessageType, kind)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return ev, nil
}

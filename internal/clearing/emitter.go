package clearing

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PerpVamm/internal/event"
	"PerpVamm/internal/ledger"
	"PerpVamm/internal/observability"
	"PerpVamm/internal/state"
	"PerpVamm/internal/vamm"
)

// Output is what one accepted command produces: the sealed envelope, the
// ledger batches it applied, and the decoded payload for projections.
type Output struct {
	Envelope *event.Envelope
	Batches  []*ledger.Batch
	Event    event.Event
}

// Emitter seals events into hash-chained envelopes and fans them out. The
// persist channel send blocks (durability before progress); the publish
// channel send drops when full (read side can fall behind, the log cannot).
type Emitter struct {
	sequence int64
	hasher   *StateHasher

	book      *ledger.BalanceTracker
	positions *state.PositionManager

	persistChan chan<- Output
	publishChan chan<- Output

	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewEmitter(
	startSequence int64,
	book *ledger.BalanceTracker,
	positions *state.PositionManager,
	persistChan, publishChan chan<- Output,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Emitter {
	return &Emitter{
		sequence:    startSequence,
		hasher:      NewStateHasher(),
		book:        book,
		positions:   positions,
		persistChan: persistChan,
		publishChan: publishChan,
		metrics:     metrics,
		log:         log.With().Str("component", "emitter").Logger(),
	}
}

// NextSequence returns the sequence the next emitted event will take.
func (em *Emitter) NextSequence() int64 {
	return em.sequence + 1
}

// Sequence returns the sequence of the last emitted event.
func (em *Emitter) Sequence() int64 {
	return em.sequence
}

// StateHash returns the current chain tip.
func (em *Emitter) StateHash() [32]byte {
	return em.hasher.PrevHash()
}

// Restore re-anchors the emitter after a snapshot load.
func (em *Emitter) Restore(sequence int64, stateHash [32]byte) {
	em.sequence = sequence
	em.hasher.SetPrevHash(stateHash)
}

// Emit assigns the next sequence, hashes post-state, and fans the output out.
func (em *Emitter) Emit(evt event.Event, b vamm.Block, batches []*ledger.Batch) (*event.Envelope, error) {
	start := time.Now()

	payload, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", evt.EventType(), err)
	}

	em.sequence++
	digest := em.computeStateDigest()
	prevHash := em.hasher.PrevHash()
	stateHash := em.hasher.ComputeHash(em.sequence, digest)

	env := &event.Envelope{
		Sequence:       em.sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Exchange:       evt.ExchangeID(),
		BlockHeight:    b.Height,
		BlockTime:      b.Time,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	out := Output{Envelope: env, Batches: batches, Event: evt}

	if em.persistChan != nil {
		em.persistChan <- out
	}
	if em.publishChan != nil {
		select {
		case em.publishChan <- out:
		default:
			if em.metrics != nil {
				em.metrics.PublishDrops.Inc()
			}
			em.log.Warn().
				Int64("sequence", em.sequence).
				Str("event_type", evt.EventType().String()).
				Msg("publish channel full, dropping")
		}
	}

	if em.metrics != nil {
		em.metrics.CoreEventsApplied.WithLabelValues(evt.EventType().String()).Inc()
		em.metrics.CoreSequence.Set(float64(em.sequence))
		em.metrics.CoreStateHashDur.Observe(time.Since(start).Seconds())
	}

	return env, nil
}

// computeStateDigest canonicalizes balances and positions: accounts sorted by
// path, positions sorted by (exchange, trader), every field length-prefixed
// so adjacent values can't collide.
func (em *Emitter) computeStateDigest() []byte {
	digest := make([]byte, 0, 1024)

	for _, key := range em.book.SortedKeys() {
		path := key.AccountPath()
		digest = binary.LittleEndian.AppendUint32(digest, uint32(len(path)))
		digest = append(digest, path...)

		bal := em.book.Get(key).String()
		digest = binary.LittleEndian.AppendUint32(digest, uint32(len(bal)))
		digest = append(digest, bal...)
	}

	for _, key := range em.positions.SortedKeys() {
		digest = binary.LittleEndian.AppendUint32(digest, uint32(len(key.Exchange)))
		digest = append(digest, key.Exchange...)
		digest = binary.LittleEndian.AppendUint32(digest, uint32(len(key.Trader)))
		digest = append(digest, key.Trader...)

		pos, _ := em.positions.Get(key.Exchange, key.Trader)
		digest = append(digest, pos.CanonicalBytes()...)
	}

	return digest
}

package amqp

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// confirmTracker maps publish sequence numbers to one-shot result slots.
// One tracker belongs to one channel; sequence numbers restart on a new channel.
type confirmTracker struct {
	mu      sync.Mutex
	pending map[uint64]chan bool
	done    bool
}

func newConfirmTracker() *confirmTracker {
	return &confirmTracker{pending: make(map[uint64]chan bool)}
}

// register returns the slot that receives the ack (true) or nack (false) for seq.
// The slot is closed without a value if the channel dies first.
func (t *confirmTracker) register(seq uint64) <-chan bool {
	slot := make(chan bool, 1)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		close(slot)
		return slot
	}
	t.pending[seq] = slot
	return slot
}

func (t *confirmTracker) forget(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, seq)
}

func (t *confirmTracker) resolve(c amqp.Confirmation) {
	t.mu.Lock()
	slot, ok := t.pending[c.DeliveryTag]
	delete(t.pending, c.DeliveryTag)
	t.mu.Unlock()
	if ok {
		slot <- c.Ack
	}
}

// failAll closes every pending slot and refuses new registrations.
func (t *confirmTracker) failAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	for seq, slot := range t.pending {
		close(slot)
		delete(t.pending, seq)
	}
}

// listen resolves confirmations until the channel's confirm stream closes.
func (t *confirmTracker) listen(confirms <-chan amqp.Confirmation) {
	for c := range confirms {
		t.resolve(c)
	}
	t.failAll()
}

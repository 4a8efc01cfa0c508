package consumer

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeDelivery counts finalization calls so tests can assert the broker saw
// exactly what the wrapper allowed through.
type fakeDelivery struct {
	subject    string
	data       []byte
	id         string
	deliveries uint64

	acks, nacks, terms int
	ackErr             error
}

func (d *fakeDelivery) Subject() string      { return d.subject }
func (d *fakeDelivery) Data() []byte         { return d.data }
func (d *fakeDelivery) ID() string           { return d.id }
func (d *fakeDelivery) NumDelivered() uint64 { return d.deliveries }

func (d *fakeDelivery) Ack(context.Context) error {
	d.acks++
	return d.ackErr
}

func (d *fakeDelivery) Nack(context.Context, time.Duration) error {
	d.nacks++
	return nil
}

func (d *fakeDelivery) Term(context.Context) error {
	d.terms++
	return nil
}

func wrap(t *testing.T, p *Pool, d *fakeDelivery) *ScopedMessage[string] {
	t.Helper()
	permit, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	return newScopedMessage(string(d.data), d, permit)
}

func TestScopedMessageAckOnce(t *testing.T) {
	p := NewPool(1)
	d := &fakeDelivery{id: "1", data: []byte("hello"), deliveries: 1}
	msg := wrap(t, p, d)

	if err := msg.Ack(context.Background()); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if !msg.Finalized() {
		t.Fatalf("expected finalized after ack")
	}
	if err := msg.Ack(context.Background()); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("second ack: %v", err)
	}
	if d.acks != 1 {
		t.Fatalf("broker acks: %d", d.acks)
	}
	msg.discard()
}

func TestScopedMessageAckThenNack(t *testing.T) {
	p := NewPool(1)
	d := &fakeDelivery{id: "1"}
	msg := wrap(t, p, d)

	if err := msg.Ack(context.Background()); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := msg.Nack(context.Background()); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("nack after ack: %v", err)
	}
	if d.nacks != 0 {
		t.Fatalf("nack reached the broker: %d", d.nacks)
	}
	msg.discard()
}

func TestScopedMessageTermOnce(t *testing.T) {
	p := NewPool(1)
	d := &fakeDelivery{id: "1"}
	msg := wrap(t, p, d)

	if err := msg.Term(context.Background()); err != nil {
		t.Fatalf("term: %v", err)
	}
	if err := msg.Term(context.Background()); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("second term: %v", err)
	}
	if d.terms != 1 {
		t.Fatalf("broker terms: %d", d.terms)
	}
	msg.discard()
}

func TestScopedMessageAckErrorStillFinalizes(t *testing.T) {
	p := NewPool(1)
	boom := errors.New("broker down")
	d := &fakeDelivery{id: "1", ackErr: boom}
	msg := wrap(t, p, d)

	if err := msg.Ack(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("ack: %v", err)
	}
	if !msg.Finalized() {
		t.Fatalf("failed ack must still finalize locally")
	}
	if err := msg.Ack(context.Background()); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("second ack: %v", err)
	}
	msg.discard()
}

func TestScopedMessagePermitReleasedOnEveryPath(t *testing.T) {
	p := NewPool(1)
	paths := map[string]func(*ScopedMessage[string]){
		"ack":     func(m *ScopedMessage[string]) { _ = m.Ack(context.Background()) },
		"nack":    func(m *ScopedMessage[string]) { _ = m.Nack(context.Background()) },
		"term":    func(m *ScopedMessage[string]) { _ = m.Term(context.Background()) },
		"abandon": func(*ScopedMessage[string]) {},
	}
	for name, finalize := range paths {
		msg := wrap(t, p, &fakeDelivery{id: name})
		finalize(msg)
		msg.discard()
		msg.discard() // extra discard must not double-release
		if p.InUse() != 0 {
			t.Fatalf("%s: pool still holds %d permits", name, p.InUse())
		}
	}
}

func TestScopedMessagePayloadAccess(t *testing.T) {
	p := NewPool(1)
	d := &fakeDelivery{id: "42", subject: "lattice.evt.default", data: []byte("payload"), deliveries: 3}
	msg := wrap(t, p, d)
	defer msg.discard()

	if msg.Payload() != "payload" {
		t.Fatalf("payload: %q", msg.Payload())
	}
	if msg.Subject() != "lattice.evt.default" || msg.ID() != "42" || msg.NumDelivered() != 3 {
		t.Fatalf("accessor mismatch: %q %q %d", msg.Subject(), msg.ID(), msg.NumDelivered())
	}
}

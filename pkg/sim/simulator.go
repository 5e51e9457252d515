package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gregLibert/pincard/pkg/transport"
)

var (
	ErrUnknownReader    = errors.New("unknown reader")
	ErrSlotOccupied     = errors.New("reader already holds a card")
	ErrSharingViolation = errors.New("card in use by another connection")
)

// Simulator is a set of virtual readers. It implements transport.Backend.
type Simulator struct {
	mu       sync.Mutex
	slots    []*slot
	released bool
}

type slot struct {
	name  string
	card  *Card
	gen   uint64 // bumped on every insertion and removal
	owner *link
}

// New creates a simulator with the named empty readers.
func New(readers ...string) *Simulator {
	s := &Simulator{}
	for _, r := range readers {
		s.slots = append(s.slots, &slot{name: r})
	}
	return s
}

// AddReader plugs in a new empty reader.
func (s *Simulator) AddReader(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.slots = append(s.slots, &slot{name: name})
}

// Insert puts card into reader and powers it up.
func (s *Simulator) Insert(reader string, card *Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, err := s.slot(reader)
	if err != nil {
		return err
	}
	if sl.card != nil {
		return fmt.Errorf("%s: %w", reader, ErrSlotOccupied)
	}
	card.Reset()
	sl.card = card
	sl.gen++
	return nil
}

// Remove pulls the card out of reader and returns it. Open links to it fail
// with transport.ErrCardRemoved from then on.
func (s *Simulator) Remove(reader string) (*Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, err := s.slot(reader)
	if err != nil {
		return nil, err
	}
	card := sl.card
	if card == nil {
		return nil, fmt.Errorf("%s: %w", reader, transport.ErrNoCard)
	}
	card.Reset()
	sl.card = nil
	sl.owner = nil
	sl.gen++
	return card, nil
}

func (s *Simulator) slot(reader string) (*slot, error) {
	for _, sl := range s.slots {
		if sl.name == reader {
			return sl, nil
		}
	}
	return nil, fmt.Errorf("%q: %w", reader, ErrUnknownReader)
}

func (s *Simulator) ListReaders() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.slots))
	for _, sl := range s.slots {
		names = append(names, sl.name)
	}
	return names, nil
}

func (s *Simulator) CardPresent(reader string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, err := s.slot(reader)
	if err != nil {
		return false, err
	}
	return sl.card != nil, nil
}

// Connect opens an exclusive link to the card in reader.
func (s *Simulator) Connect(reader string) (transport.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil, errors.New("simulator released")
	}
	sl, err := s.slot(reader)
	if err != nil {
		return nil, err
	}
	if sl.card == nil {
		return nil, transport.ErrNoCard
	}
	if sl.owner != nil {
		return nil, ErrSharingViolation
	}

	l := &link{sim: s, slot: sl, card: sl.card, gen: sl.gen}
	sl.owner = l
	return l, nil
}

func (s *Simulator) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.released = true
	return nil
}

type link struct {
	sim  *Simulator
	slot *slot
	card *Card
	gen  uint64
}

// valid reports whether the link still owns the card it was opened on.
func (l *link) valid() error {
	l.sim.mu.Lock()
	defer l.sim.mu.Unlock()

	if l.slot.gen != l.gen {
		return transport.ErrCardRemoved
	}
	if l.slot.owner != l {
		return transport.ErrNotConnected
	}
	return nil
}

func (l *link) Transmit(ctx context.Context, cmd []byte) ([]byte, error) {
	if err := l.valid(); err != nil {
		return nil, err
	}

	resp, err := l.card.Transmit(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", transport.ErrTimeout, err)
	}

	// A card pulled out mid-exchange never answers.
	if err := l.valid(); err != nil {
		return nil, err
	}
	return resp, nil
}

func (l *link) Disconnect() error {
	l.sim.mu.Lock()
	defer l.sim.mu.Unlock()

	if l.slot.owner != l {
		return nil
	}
	l.slot.owner = nil
	if l.slot.gen == l.gen {
		l.card.Reset()
	}
	return nil
}

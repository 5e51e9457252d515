// Package transport owns the channel between the host and a card: reader
// discovery, exclusive connection to the first reader holding a card, raw
// exchanges with a deadline, and APDU exchanges with 61XX/6CXX handled by
// iso7816.Client.
//
// Every failure wraps one of the Err* kinds below. None of them is retried
// here. After a timeout or a removal the channel refuses further exchanges
// with ErrNotConnected until the caller disconnects and connects again.
//
// Every raw exchange is bounded by the transport timeout, DefaultTimeout
// unless WithTimeout says otherwise. An owner such as a pinauth session
// holds the transport through Claim, so a second owner cannot reselect the
// card under it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gregLibert/pincard/internal/logging"
	"github.com/gregLibert/pincard/pkg/iso7816"
)

var (
	ErrNoReaders        = errors.New("no reader available")
	ErrNoCard           = errors.New("no card present")
	ErrConnectionFailed = errors.New("connection failed")
	ErrCardRemoved      = errors.New("card removed")
	ErrTimeout          = errors.New("transport timeout")
	ErrNotConnected     = errors.New("not connected")
	ErrInUse            = errors.New("transport in use")

	// ErrMalformedResponse is shared with iso7816 so that a short answer is
	// reported the same way whichever layer detects it.
	ErrMalformedResponse = iso7816.ErrMalformedResponse
)

// Backend is a reader subsystem: PC/SC or the simulator.
type Backend interface {
	ListReaders() ([]string, error)
	CardPresent(reader string) (bool, error)
	// Connect opens an exclusive channel to the card in reader.
	Connect(reader string) (Link, error)
	Release() error
}

// Link is an open channel to one card.
type Link interface {
	// Transmit sends one raw C-APDU and returns the raw R-APDU. It must give
	// up when ctx is done.
	Transmit(ctx context.Context, cmd []byte) ([]byte, error)
	// Disconnect closes the channel and resets the card, which ends any
	// applet selection.
	Disconnect() error
}

// Transport is a card channel. Its methods may be called from several
// goroutines, but exchanges are serialised.
type Transport struct {
	mu      sync.Mutex
	xmu     sync.Mutex // held for a whole Exchange
	backend Backend
	link    Link
	reader  string
	fault   error // set by a timeout or removal, cleared by Connect/Disconnect
	claimed bool
	client  *iso7816.Client
	timeout time.Duration
	log     *slog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// DefaultTimeout bounds a raw exchange when WithTimeout is not given. A
// PC/SC transmit cannot be cancelled, and the channel stays locked until the
// bound releases it.
const DefaultTimeout = 5 * time.Second

// WithTimeout bounds every raw exchange. Values <= 0 keep DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithLogger sets the logger. Exchanges are logged at Debug with lengths and
// status words, never payloads.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// New wraps a backend. No reader is touched until Connect.
func New(backend Backend, opts ...Option) *Transport {
	t := &Transport{backend: backend, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(t)
	}
	t.log = logging.OrDiscard(t.log)
	t.client = iso7816.NewClient(transmitter{t})
	return t
}

// DiscoverReaders lists the readers known to the backend.
func (t *Transport) DiscoverReaders() ([]string, error) {
	readers, err := t.backend.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("list readers: %w", err)
	}
	if len(readers) == 0 {
		return nil, ErrNoReaders
	}
	return readers, nil
}

// Connect opens an exclusive channel to the first reader in readers that
// holds a card. An existing channel is closed first.
func (t *Transport) Connect(readers []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.link != nil {
		_ = t.disconnectLocked()
	}
	if len(readers) == 0 {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, ErrNoReaders)
	}

	var lastErr error
	for _, reader := range readers {
		present, err := t.backend.CardPresent(reader)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", reader, err)
			continue
		}
		if !present {
			continue
		}

		link, err := t.backend.Connect(reader)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", reader, err)
			continue
		}

		t.link = link
		t.reader = reader
		t.fault = nil
		t.log.Debug("connected", "reader", reader)
		return nil
	}

	if lastErr != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, lastErr)
	}
	return fmt.Errorf("%w: %w", ErrConnectionFailed, ErrNoCard)
}

// Disconnect closes the channel. It is a no-op when not connected.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.disconnectLocked()
}

func (t *Transport) disconnectLocked() error {
	if t.link == nil {
		return nil
	}
	err := t.link.Disconnect()
	t.log.Debug("disconnected", "reader", t.reader)
	t.link = nil
	t.reader = ""
	t.fault = nil
	if err != nil && !errors.Is(err, ErrCardRemoved) {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// Close disconnects and releases the backend.
func (t *Transport) Close() error {
	return errors.Join(t.Disconnect(), t.backend.Release())
}

// Claim reserves t for one owner until Release. A second claim fails with
// ErrInUse. Claims are advisory: they guard owners against each other, not
// against direct calls.
func (t *Transport) Claim() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.claimed {
		return ErrInUse
	}
	t.claimed = true
	return nil
}

// Release ends the current claim.
func (t *Transport) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.claimed = false
}

// Connected reports whether a channel is open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.link != nil
}

// Reader returns the name of the connected reader, or "".
func (t *Transport) Reader() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.reader
}

// Transmit performs one raw exchange.
func (t *Transport) Transmit(ctx context.Context, cmd []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.link == nil {
		return nil, ErrNotConnected
	}
	if t.fault != nil {
		return nil, fmt.Errorf("%w: channel lost (%v), reconnect required", ErrNotConnected, t.fault)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	resp, err := t.link.Transmit(ctx, cmd)
	if err != nil {
		err = classify(ctx, err)
		if errors.Is(err, ErrTimeout) || errors.Is(err, ErrCardRemoved) {
			t.fault = err
		}
		t.log.Debug("exchange failed", "ins", insOf(cmd), "err", err)
		return nil, err
	}
	if len(resp) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedResponse, len(resp))
	}

	t.log.Debug("exchange",
		"ins", insOf(cmd),
		"lc", len(cmd),
		"sw", fmt.Sprintf("%02X%02X", resp[len(resp)-2], resp[len(resp)-1]),
		"len", len(resp)-2,
		"elapsed", time.Since(start))
	return resp, nil
}

// Exchange sends cmd and returns the reassembled response: GET RESPONSE
// continuations and 6CXX re-issues are followed transparently.
func (t *Transport) Exchange(ctx context.Context, cmd *iso7816.CommandAPDU) (*iso7816.ResponseAPDU, error) {
	t.xmu.Lock()
	defer t.xmu.Unlock()

	trace, err := t.client.Send(ctx, cmd)
	if err != nil {
		if errors.Is(err, iso7816.ErrResponseChainTooLong) {
			return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
		return nil, err
	}
	if len(trace) > 1 {
		t.log.Debug("response reassembled", "transactions", len(trace), "len", len(trace.Data()))
	}
	return trace.Response(), nil
}

// classify maps a link failure onto the transport kinds. An exchange cut by
// the context is a timeout whether the deadline passed or the caller
// cancelled.
func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrCardRemoved), errors.Is(err, ErrNotConnected):
		return err
	case ctx.Err() != nil, errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return fmt.Errorf("transmit: %w", err)
	}
}

func insOf(cmd []byte) string {
	if len(cmd) < 2 {
		return "?"
	}
	return fmt.Sprintf("%02X", cmd[1])
}

// transmitter adapts Transport to iso7816.Transmitter.
type transmitter struct{ t *Transport }

func (x transmitter) Transmit(ctx context.Context, cmd []byte) ([]byte, error) {
	return x.t.Transmit(ctx, cmd)
}

// FilterReaders keeps the readers whose name contains substr, ignoring
// case. An empty substr keeps all of them.
func FilterReaders(readers []string, substr string) []string {
	if substr == "" {
		return readers
	}
	var out []string
	for _, r := range readers {
		if strings.Contains(strings.ToLower(r), strings.ToLower(substr)) {
			out = append(out, r)
		}
	}
	return out
}

// WaitForCard polls the backend every interval until one of the readers
// holds a card, and returns that reader. Missing readers are tolerated
// while polling. It gives up when ctx is done.
func WaitForCard(ctx context.Context, t *Transport, interval time.Duration) (string, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		readers, err := t.DiscoverReaders()
		if err != nil && !errors.Is(err, ErrNoReaders) {
			return "", err
		}
		for _, r := range readers {
			present, err := t.backend.CardPresent(r)
			if err == nil && present {
				return r, nil
			}
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", ErrNoCard, ctx.Err())
		case <-ticker.C:
		}
	}
}

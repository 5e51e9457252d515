// Package sim is a software secure element and reader subsystem. A Card
// runs applets behind a T=0 style runtime (response data is announced with
// 61XX and fetched with GET RESPONSE); a Simulator exposes cards in virtual
// readers through the transport.Backend interface.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gregLibert/pincard/internal/logging"
	"github.com/gregLibert/pincard/pkg/applet"
	"github.com/gregLibert/pincard/pkg/iso7816"
)

// Persister keeps applet EEPROM images. *store.Store implements it.
type Persister interface {
	Save(aid []byte, img applet.Image) error
	Load(aid []byte) (applet.Image, bool, error)
}

// Card is a simulated secure element. Its applets keep their persistent
// state across Reset, removal and insertion.
type Card struct {
	mu       sync.Mutex
	applets  []*applet.Applet
	selected *applet.Applet

	// Response data waiting for GET RESPONSE, and the status word that ends it.
	pending    []byte
	pendingSW  iso7816.StatusWord
	hasPending bool

	chunk   int
	latency time.Duration
	persist Persister
	log     *slog.Logger
}

// CardOption configures a Card.
type CardOption func(*Card)

// WithApplet installs an applet. Without it the card carries one default
// applet.
func WithApplet(a *applet.Applet) CardOption {
	return func(c *Card) { c.applets = append(c.applets, a) }
}

// WithChunkSize caps the data bytes per response, forcing long answers
// through several GET RESPONSE rounds. The default is 256.
func WithChunkSize(n int) CardOption {
	return func(c *Card) { c.chunk = n }
}

// WithLatency delays every exchange, for timeout tests.
func WithLatency(d time.Duration) CardOption {
	return func(c *Card) { c.latency = d }
}

// WithPersister backs the applets with an EEPROM image store. Stored images
// are loaded when the card is built and rewritten after every applet
// command.
func WithPersister(p Persister) CardOption {
	return func(c *Card) { c.persist = p }
}

// WithCardLogger sets the card runtime logger.
func WithCardLogger(l *slog.Logger) CardOption {
	return func(c *Card) { c.log = l }
}

// NewCard builds a powered-off card.
func NewCard(opts ...CardOption) (*Card, error) {
	c := &Card{chunk: iso7816.MaxShortLe}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logging.OrDiscard(c.log)

	if c.chunk < 1 || c.chunk > iso7816.MaxShortLe {
		return nil, fmt.Errorf("chunk size %d out of range 1..%d", c.chunk, iso7816.MaxShortLe)
	}
	if len(c.applets) == 0 {
		c.applets = append(c.applets, applet.New(applet.WithLogger(c.log)))
	}

	if c.persist != nil {
		for _, a := range c.applets {
			img, found, err := c.persist.Load(a.AID())
			if err != nil {
				return nil, fmt.Errorf("load applet %X: %w", a.AID(), err)
			}
			if !found {
				continue
			}
			if err := a.Restore(img); err != nil {
				return nil, fmt.Errorf("restore applet %X: %w", a.AID(), err)
			}
			c.log.Debug("applet restored", "aid", fmt.Sprintf("%X", a.AID()))
		}
	}
	return c, nil
}

// Applet returns the installed applet answering to aid, or nil.
func (c *Card) Applet(aid []byte) *applet.Applet {
	for _, a := range c.applets {
		if a.Matches(aid) {
			return a
		}
	}
	return nil
}

// Reset power-cycles the card: the selected applet is deselected and any
// pending response is dropped.
func (c *Card) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deselect()
	c.dropPending()
}

// Transmit processes one raw C-APDU after the configured latency.
func (c *Card) Transmit(ctx context.Context, raw []byte) ([]byte, error) {
	if c.latency > 0 {
		timer := time.NewTimer(c.latency)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.Process(raw).Bytes(), nil
}

// Process runs one C-APDU through the card runtime.
func (c *Card) Process(raw []byte) *iso7816.ResponseAPDU {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd, err := iso7816.ParseCommandAPDU(raw)
	if err != nil {
		c.dropPending()
		c.log.Debug("rejected command", "err", err)
		return status(parseErrorStatus(err))
	}

	if !cmd.Class.IsProprietary && cmd.Instruction.Raw == iso7816.INS_GET_RESPONSE {
		return c.getResponse(cmd)
	}
	c.dropPending()

	if !cmd.Class.IsProprietary && cmd.Instruction.Raw == iso7816.INS_SELECT {
		return c.selectApplet(cmd)
	}
	if c.selected == nil {
		return status(iso7816.SW_ERR_INS_INVALID)
	}

	resp := c.selected.Process(cmd)
	if err := c.save(c.selected); err != nil {
		c.log.Error("EEPROM write failed", "err", err)
		return status(iso7816.SW_ERR_MEMORY_FAILURE)
	}
	return c.deliver(cmd, resp)
}

func parseErrorStatus(err error) iso7816.StatusWord {
	switch {
	case errors.Is(err, iso7816.ErrInvalidClass):
		return iso7816.SW_ERR_CLA_NOT_SUPPORTED
	case errors.Is(err, iso7816.ErrInvalidInstruction):
		return iso7816.SW_ERR_INS_INVALID
	default:
		return iso7816.SW_ERR_WRONG_LENGTH
	}
}

func (c *Card) selectApplet(cmd *iso7816.CommandAPDU) *iso7816.ResponseAPDU {
	if cmd.P1 != byte(iso7816.SelectByDFName) {
		return status(iso7816.SW_ERR_INCORRECT_PARAMS_P1P2)
	}

	target := c.Applet(cmd.Data)
	if target == nil {
		c.deselect()
		return status(iso7816.SW_ERR_FILE_NOT_FOUND)
	}
	if c.selected != target {
		c.deselect()
	}

	fci := target.Select()
	c.selected = target
	if iso7816.SelectionControlOf(cmd.P2) == iso7816.ReturnNoData {
		fci = nil
	}
	return c.deliver(cmd, iso7816.NewResponseAPDU(fci, iso7816.SW_NO_ERROR))
}

// deliver applies the T=0 rules: a command that carried no Le gets its data
// announced with 61XX, and no answer carries more than the chunk size.
func (c *Card) deliver(cmd *iso7816.CommandAPDU, resp *iso7816.ResponseAPDU) *iso7816.ResponseAPDU {
	if len(resp.Data) == 0 {
		return resp
	}

	if cmd.Ne == 0 {
		c.setPending(resp.Data, resp.Status)
		return status(iso7816.NewBytesAvailableStatus(len(resp.Data)))
	}

	n := min(cmd.Ne, c.chunk)
	if len(resp.Data) <= n {
		return resp
	}
	c.setPending(resp.Data[n:], resp.Status)
	return iso7816.NewResponseAPDU(resp.Data[:n], iso7816.NewBytesAvailableStatus(len(c.pending)))
}

func (c *Card) getResponse(cmd *iso7816.CommandAPDU) *iso7816.ResponseAPDU {
	if !c.hasPending {
		return status(iso7816.SW_ERR_COND_OF_USE_NOT_SAT)
	}

	ne := cmd.Ne
	if ne == 0 {
		ne = iso7816.MaxShortLe
	}
	n := min(ne, c.chunk, len(c.pending))

	out := c.pending[:n]
	c.pending = c.pending[n:]
	if len(c.pending) > 0 {
		return iso7816.NewResponseAPDU(out, iso7816.NewBytesAvailableStatus(len(c.pending)))
	}

	sw := c.pendingSW
	c.dropPending()
	return iso7816.NewResponseAPDU(out, sw)
}

func (c *Card) setPending(data []byte, sw iso7816.StatusWord) {
	c.pending = append([]byte(nil), data...)
	c.pendingSW = sw
	c.hasPending = true
}

func (c *Card) dropPending() {
	c.pending = nil
	c.hasPending = false
}

func (c *Card) deselect() {
	if c.selected != nil {
		c.selected.Deselect()
		c.selected = nil
	}
}

func (c *Card) save(a *applet.Applet) error {
	if c.persist == nil {
		return nil
	}
	return c.persist.Save(a.AID(), a.Image())
}

func status(sw iso7816.StatusWord) *iso7816.ResponseAPDU {
	return iso7816.NewResponseAPDU(nil, sw)
}

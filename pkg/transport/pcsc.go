package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/ebfe/scard"
)

// PCSC is the Backend for physical readers through the platform PC/SC
// service.
type PCSC struct {
	ctx *scard.Context
}

// NewPCSC establishes a PC/SC context.
func NewPCSC() (*PCSC, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext failed: %w", err)
	}
	return &PCSC{ctx: ctx}, nil
}

func (p *PCSC) ListReaders() ([]string, error) {
	readers, err := p.ctx.ListReaders()
	if errors.Is(err, scard.ErrNoReadersAvailable) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return readers, nil
}

// CardPresent queries the reader state without blocking.
func (p *PCSC) CardPresent(reader string) (bool, error) {
	rs := []scard.ReaderState{{Reader: reader, CurrentState: scard.StateUnaware}}
	if err := p.ctx.GetStatusChange(rs, 0); err != nil && !errors.Is(err, scard.ErrTimeout) {
		return false, mapSCardError(err)
	}
	return rs[0].EventState&scard.StatePresent != 0, nil
}

func (p *PCSC) Connect(reader string) (Link, error) {
	card, err := p.ctx.Connect(reader, scard.ShareExclusive, scard.ProtocolT0|scard.ProtocolT1)
	if err != nil {
		return nil, mapSCardError(err)
	}
	return &pcscLink{card: card}, nil
}

func (p *PCSC) Release() error {
	return p.ctx.Release()
}

type pcscLink struct {
	card *scard.Card
}

type transmitResult struct {
	resp []byte
	err  error
}

// Transmit runs the blocking SCardTransmit in a goroutine so the caller is
// released when ctx ends. The card is then in an unknown state and the
// link must be dropped.
func (l *pcscLink) Transmit(ctx context.Context, cmd []byte) ([]byte, error) {
	done := make(chan transmitResult, 1)
	go func() {
		resp, err := l.card.Transmit(cmd)
		done <- transmitResult{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, mapSCardError(r.err)
		}
		return r.resp, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}

func (l *pcscLink) Disconnect() error {
	return mapSCardError(l.card.Disconnect(scard.ResetCard))
}

func mapSCardError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, scard.ErrRemovedCard), errors.Is(err, scard.ErrResetCard), errors.Is(err, scard.ErrNoSmartcard):
		return fmt.Errorf("%w: %w", ErrCardRemoved, err)
	case errors.Is(err, scard.ErrTimeout):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.Is(err, scard.ErrNoReadersAvailable):
		return fmt.Errorf("%w: %w", ErrNoReaders, err)
	default:
		return err
	}
}

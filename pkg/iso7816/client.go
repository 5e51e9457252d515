package iso7816

import (
	"context"
	"errors"
	"fmt"
)

// Client hides the T=0 continuation procedures from its caller. For one
// logical command Send keeps exchanging until the card gives a final answer:
//
//	61XX  XX more bytes are waiting, send GET RESPONSE with Le = XX
//	6CXX  Le was wrong, send the same command again with Le = XX
//
// Every exchange is recorded in the returned Trace.
type Client struct {
	Card Transmitter
}

// Transmitter sends one raw command and returns the raw answer.
type Transmitter interface {
	Transmit(ctx context.Context, cmd []byte) ([]byte, error)
}

// MaxAutoTransactions caps the exchanges of one Send. A card still asking
// for continuation after that is broken.
const MaxAutoTransactions = 64

var ErrResponseChainTooLong = errors.New("response chain too long")

func NewClient(card Transmitter) *Client {
	return &Client{Card: card}
}

// Send runs cmd to completion. On error the trace holds the exchanges that
// did complete.
func (c *Client) Send(ctx context.Context, cmd *CommandAPDU) (Trace, error) {
	var trace Trace
	for next := cmd; next != nil; {
		if len(trace) == MaxAutoTransactions {
			return trace, fmt.Errorf("%w: %d transactions", ErrResponseChainTooLong, len(trace))
		}

		resp, err := c.exchange(ctx, next)
		if err != nil {
			return trace, err
		}
		trace = append(trace, Transaction{Command: next, Response: resp})
		next = followUp(cmd, next, resp.Status)
	}
	return trace, nil
}

func (c *Client) exchange(ctx context.Context, cmd *CommandAPDU) (*ResponseAPDU, error) {
	raw, err := cmd.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding error: %w", err)
	}
	answer, err := c.Card.Transmit(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("transmission error: %w", err)
	}
	return ParseResponseAPDU(answer)
}

// followUp returns the command to send after last was answered with sw, or
// nil when sw is final. Commands are copied, never modified.
func followUp(orig, last *CommandAPDU, sw StatusWord) *CommandAPDU {
	switch sw.SW1() {
	case 0x61:
		return getResponseFor(orig, sw.BytesAvailable())
	case 0x6C:
		again := *last
		again.Ne = decodeShortLe(sw.SW2())
		return &again
	}
	return nil
}

// getResponseFor stays on the logical channel of cmd. Continuations of
// proprietary commands go out on the basic channel.
func getResponseFor(cmd *CommandAPDU, ne int) *CommandAPDU {
	cls := InterindustryClass
	if !cmd.Class.IsProprietary {
		cls.Channel = cmd.Class.Channel
		cls.SecureMessaging = cmd.Class.SecureMessaging
	}
	return NewCommandAPDU(cls, MustInstruction(INS_GET_RESPONSE), 0x00, 0x00, nil, ne)
}

/*
Package iso7816 implements the ISO/IEC 7816-4 data structures the host and the
simulated card share: command and response APDUs, class and instruction bytes,
status words, and a client that hides the T=0 transport conventions from the
application layer.

# Exchanges

One command is in flight at a time. The host sends a header, CLA INS P1 P2,
optionally followed by Lc, data and Le. The card answers with optional data
and a two byte trailer, SW1 SW2.

# Status Words

The trailer decides what the host does next:
  - 9000: done.
  - 61XX: XX more bytes wait for a GET RESPONSE. Not an error.
  - 63CX: verification failed, X tries left.
  - 6CXX: Le was wrong, XX is the right one.
  - anything else: refused, see the constants in status_word.go.

# Both Sides

CommandAPDU.Bytes and ParseResponseAPDU serve the host. ParseCommandAPDU and
ResponseAPDU.Bytes serve a card runtime; parse errors wrap ErrInvalidClass,
ErrInvalidInstruction or ErrMalformedCommand so the runtime can answer with
6E00, 6D00 or 6700.

# Usage Example: Selecting an Application

	client := iso7816.NewClient(link)

	trace, err := client.Send(ctx, iso7816.SelectByAID(aid))
	if err != nil {
	    return err
	}

	// 61XX continuations have already been fetched with GET RESPONSE.
	if !trace.IsSuccess() {
	    return fmt.Errorf("select: %s", trace.Status().Verbose())
	}
	fci := trace.Data()
*/
package iso7816

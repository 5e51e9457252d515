package iso7816

// Transaction is one command and the response the card gave to it. Response
// is nil when the exchange failed before an answer arrived.
type Transaction struct {
	Command  *CommandAPDU
	Response *ResponseAPDU
}

func (t *Transaction) IsSuccess() bool {
	return t.Response != nil && t.Response.Status.IsSuccess()
}

// Trace records every transaction Client.Send made for one logical command:
// the original command, any 6CXX re-issue and the GET RESPONSE calls that
// drained 61XX. Data, Status and Response fold it back into the single answer
// the caller asked for.
type Trace []Transaction

// Last returns the final transaction, or nil.
func (t Trace) Last() *Transaction {
	if len(t) == 0 {
		return nil
	}
	return &t[len(t)-1]
}

func (t Trace) IsSuccess() bool {
	last := t.Last()
	return last != nil && last.IsSuccess()
}

// Status is the status word of the last answer, SW_ERR_UNKNOWN if there is
// none.
func (t Trace) Status() StatusWord {
	if last := t.Last(); last != nil && last.Response != nil {
		return last.Response.Status
	}
	return SW_ERR_UNKNOWN
}

// Data joins the chunks of the answer: each 61XX body in order, then the
// final body. A body answered with 6CXX was superseded and is skipped.
func (t Trace) Data() []byte {
	var out []byte
	for i, tx := range t {
		if tx.Response == nil {
			continue
		}
		if i == len(t)-1 || tx.Response.Status.IsBytesAvailable() {
			out = append(out, tx.Response.Data...)
		}
	}
	return out
}

func (t Trace) Response() *ResponseAPDU {
	return NewResponseAPDU(t.Data(), t.Status())
}

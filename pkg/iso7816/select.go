package iso7816

// SELECT (INS A4) parameters. P1 names what the command data identifies, P2
// bits 4-3 choose the answer and bits 2-1 the occurrence. Only the first
// occurrence is ever requested here.

// SelectionMethod is the P1 of SELECT.
type SelectionMethod byte

const (
	SelectByFileID   SelectionMethod = 0x00
	SelectByDFName   SelectionMethod = 0x04 // application identifier
	SelectPathFromMF SelectionMethod = 0x08
)

// SelectionControl is the answer part of the P2 of SELECT.
type SelectionControl byte

const (
	ReturnFCI    SelectionControl = 0x00
	ReturnFCP    SelectionControl = 0x04
	ReturnFMD    SelectionControl = 0x08
	ReturnNoData SelectionControl = 0x0C
)

// SelectionControlOf masks the answer bits out of a SELECT P2.
func SelectionControlOf(p2 byte) SelectionControl {
	return SelectionControl(p2 & 0x0C)
}

// NewSelectCommand builds a SELECT of the first occurrence.
//
// Selections carrying data are sent without Le so they stay valid under T=0;
// the card then announces its answer with 61XX. A SELECT without data asks
// for up to 256 bytes unless no answer is wanted.
func NewSelectCommand(cla Class, method SelectionMethod, ctrl SelectionControl, data []byte) *CommandAPDU {
	var ne int
	if len(data) == 0 && ctrl != ReturnNoData {
		ne = MaxShortLe
	}
	return NewCommandAPDU(cla, MustInstruction(INS_SELECT), byte(method), byte(ctrl), data, ne)
}

// SelectByAID selects an application by name and asks for its FCI.
func SelectByAID(aid []byte) *CommandAPDU {
	return NewSelectCommand(InterindustryClass, SelectByDFName, ReturnFCI, aid)
}

// Package peerwire implements the BitTorrent peer wire protocol: the
// handshake frame and the length-prefixed message frames exchanged after
// it. Only the core message set is modeled; everything else is read past
// and discarded by the caller.
package peerwire

import "strconv"

// MessageID identifies the type of a peer wire message.
type MessageID uint8

// Core message ids. Anything else received off the wire is legal (BEP 3
// allows unknown ids) and must be skipped, not rejected.
const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
)

var names = map[MessageID]string{
	Choke:         "choke",
	Unchoke:       "unchoke",
	Interested:    "interested",
	NotInterested: "not_interested",
	Have:          "have",
	Bitfield:      "bitfield",
	Request:       "request",
	Piece:         "piece",
	Cancel:        "cancel",
	Port:          "port",
}

func (m MessageID) String() string {
	if s, ok := names[m]; ok {
		return s
	}
	return strconv.Itoa(int(m))
}

// HaveMessage announces that the sender now has the given piece.
type HaveMessage struct {
	Index uint32
}

// RequestMessage asks for a block of a piece. CancelMessage shares this
// shape (BEP 3 defines cancel as a request echoed back).
type RequestMessage struct {
	Index, Begin, Length uint32
}

// CancelMessage withdraws a previously sent RequestMessage.
type CancelMessage RequestMessage

// PieceMessage is the header of a piece message; the block payload follows
// immediately in the frame and is handled separately to avoid a copy.
type PieceMessage struct {
	Index, Begin uint32
}

// BitfieldMessage carries a peer's full piece availability vector, packed
// MSB-first. Only legal as the first message after the handshake.
type BitfieldMessage struct {
	Data []byte
}

// PortMessage announces the sender's DHT port. Accepted and ignored; no DHT
// support.
type PortMessage struct {
	Port uint16
}

// ChokeMessage, UnchokeMessage, InterestedMessage and NotInterestedMessage
// carry no payload beyond their id.
type (
	ChokeMessage         struct{}
	UnchokeMessage       struct{}
	InterestedMessage    struct{}
	NotInterestedMessage struct{}
)

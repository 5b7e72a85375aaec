package peerwire

import (
	"fmt"
	"io"
)

const protocolString = "BitTorrent protocol"

// HandshakeFrame is the fixed 68-byte frame exchanged before any message
// framing begins: [pstrlen][pstr][8 reserved][info_hash][peer_id].
type HandshakeFrame struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// ErrHandshakeMismatch is returned by ReadHandshake when the protocol
// string or its length prefix is wrong. Terminal for that peer only.
type ErrHandshakeMismatch struct {
	Reason string
}

func (e ErrHandshakeMismatch) Error() string { return "peerwire: bad handshake: " + e.Reason }

// WriteHandshake writes the 68-byte handshake frame for infoHash/peerID.
// The reserved extension bytes are always zero; no extension protocol is
// negotiated.
func WriteHandshake(w io.Writer, infoHash, peerID [20]byte) error {
	var buf [68]byte
	buf[0] = 19
	copy(buf[1:20], protocolString)
	copy(buf[28:48], infoHash[:])
	copy(buf[48:68], peerID[:])
	_, err := w.Write(buf[:])
	return err
}

// ReadHandshake reads and validates the 68-byte handshake frame, returning
// the remote's claimed info_hash and peer_id. It does not compare info_hash
// against any expectation; callers must do that themselves.
func ReadHandshake(r io.Reader) (HandshakeFrame, error) {
	var buf [68]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return HandshakeFrame{}, err
	}
	if buf[0] != 19 {
		return HandshakeFrame{}, ErrHandshakeMismatch{Reason: fmt.Sprintf("pstrlen %d != 19", buf[0])}
	}
	if string(buf[1:20]) != protocolString {
		return HandshakeFrame{}, ErrHandshakeMismatch{Reason: "unrecognized protocol string"}
	}
	var hf HandshakeFrame
	copy(hf.InfoHash[:], buf[28:48])
	copy(hf.PeerID[:], buf[48:68])
	return hf, nil
}

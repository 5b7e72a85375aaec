package peerwire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxBlockLength bounds the block length accepted in an incoming `piece`
// message. A peer sending more invites a memory-exhaustion attack.
const MaxBlockLength = 16 * 1024

// WriteRequest writes a single 17-byte `request` frame.
func WriteRequest(w io.Writer, m RequestMessage) error {
	var buf [17]byte
	buf[4] = byte(Request)
	binary.BigEndian.PutUint32(buf[0:4], 13)
	binary.BigEndian.PutUint32(buf[5:9], m.Index)
	binary.BigEndian.PutUint32(buf[9:13], m.Begin)
	binary.BigEndian.PutUint32(buf[13:17], m.Length)
	_, err := w.Write(buf[:])
	return err
}

// WriteRequests batches n request frames into a single write, matching the
// sender task's "serialize each as a request message ... send the batched
// buffer" behavior.
func WriteRequests(w io.Writer, reqs []RequestMessage) error {
	buf := make([]byte, 0, 17*len(reqs))
	for _, m := range reqs {
		var frame [17]byte
		binary.BigEndian.PutUint32(frame[0:4], 13)
		frame[4] = byte(Request)
		binary.BigEndian.PutUint32(frame[5:9], m.Index)
		binary.BigEndian.PutUint32(frame[9:13], m.Begin)
		binary.BigEndian.PutUint32(frame[13:17], m.Length)
		buf = append(buf, frame[:]...)
	}
	_, err := w.Write(buf)
	return err
}

// WriteCancel writes a `cancel` frame, used by endgame mode to withdraw a
// duplicate outstanding request once another peer has delivered the block.
func WriteCancel(w io.Writer, m CancelMessage) error {
	var buf [17]byte
	binary.BigEndian.PutUint32(buf[0:4], 13)
	buf[4] = byte(Cancel)
	binary.BigEndian.PutUint32(buf[5:9], m.Index)
	binary.BigEndian.PutUint32(buf[9:13], m.Begin)
	binary.BigEndian.PutUint32(buf[13:17], m.Length)
	_, err := w.Write(buf[:])
	return err
}

// WriteInterested and WriteNotInterested write the fixed 5-byte no-payload
// frames.
func WriteInterested(w io.Writer) error    { return writeEmpty(w, Interested) }
func WriteNotInterested(w io.Writer) error { return writeEmpty(w, NotInterested) }

func writeEmpty(w io.Writer, id MessageID) error {
	buf := [5]byte{0, 0, 0, 1, byte(id)}
	_, err := w.Write(buf[:])
	return err
}

// WriteBitfield writes our own bitfield right after the handshake.
func WriteBitfield(w io.Writer, data []byte) error {
	length := uint32(len(data) + 1)
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[0:4], length)
	header[4] = byte(Bitfield)
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// FrameHeader is the decoded length+id prefix of an incoming message.
// Length is the full declared frame length including the id byte; it is
// zero for a keep-alive, in which case ID is meaningless.
type FrameHeader struct {
	Length uint32
	ID     MessageID
}

// ErrKeepAlive is a sentinel returned by ReadFrameHeader so callers can
// distinguish a keep-alive (length-prefix-only, no id) from a real message
// without a separate boolean out-parameter.
var ErrKeepAlive = fmt.Errorf("peerwire: keep-alive")

// ReadFrameHeader reads the 4-byte length prefix and, unless it is a
// keep-alive, the 1-byte message id that follows.
func ReadFrameHeader(r io.Reader) (FrameHeader, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return FrameHeader{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return FrameHeader{}, ErrKeepAlive
	}
	var idBuf [1]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return FrameHeader{}, err
	}
	return FrameHeader{Length: length, ID: MessageID(idBuf[0])}, nil
}

// DecodeHave reads a have message's 4-byte payload.
func DecodeHave(r io.Reader) (HaveMessage, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return HaveMessage{}, err
	}
	return HaveMessage{Index: binary.BigEndian.Uint32(buf[:])}, nil
}

// DecodeRequest reads a request (or, identically shaped, cancel) message's
// 12-byte payload.
func DecodeRequest(r io.Reader) (RequestMessage, error) {
	var buf [12]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return RequestMessage{}, err
	}
	return RequestMessage{
		Index:  binary.BigEndian.Uint32(buf[0:4]),
		Begin:  binary.BigEndian.Uint32(buf[4:8]),
		Length: binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}

// DecodePieceHeader reads a piece message's 8-byte index/begin header; the
// remaining payloadLen-8 bytes are the block data and are read separately
// by the caller into a buffer of its own.
func DecodePieceHeader(r io.Reader) (PieceMessage, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return PieceMessage{}, err
	}
	return PieceMessage{
		Index: binary.BigEndian.Uint32(buf[0:4]),
		Begin: binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// DecodePort reads a port message's 2-byte payload.
func DecodePort(r io.Reader) (PortMessage, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return PortMessage{}, err
	}
	return PortMessage{Port: binary.BigEndian.Uint16(buf[:])}, nil
}

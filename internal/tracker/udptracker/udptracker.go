// Package udptracker implements the BEP 15 two-phase connectionless
// tracker protocol: a connect round-trip establishes a short-lived
// connection id, then an announce round-trip exchanges peer/session
// counters for a compact peer list.
package udptracker

// http://bittorrent.org/beps/bep_0015.html

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"

	"github.com/cenkalti/rain-leech/internal/tracker"
	"github.com/cenkalti/rain-leech/logger"
)

func init() {
	tracker.RegisterScheme("udp", New)
}

const (
	connectionIDMagic = 0x41727101980
	totalTimeout      = 60 * time.Second
	ioTimeout         = 15 * time.Second

	actionConnect  = 0
	actionAnnounce = 1
	actionError    = 3
)

// Tracker is the UDP tracker.Tracker implementation.
type Tracker struct {
	rawURL string
	addr   string
	log    logger.Logger
}

// New is a tracker.Constructor registered for the "udp" scheme.
func New(rawURL string, u *url.URL) (tracker.Tracker, error) {
	return &Tracker{
		rawURL: rawURL,
		addr:   u.Host,
		log:    logger.New("tracker " + u.Host),
	}, nil
}

// URL returns the tracker's announce URL.
func (t *Tracker) URL() string { return t.rawURL }

// Announce performs the connect and announce round-trips over one UDP
// socket, returning ProtocolError on any action/transaction mismatch or
// short frame, and respecting the overall 60s BEP 15 timeout via ctx.
func (t *Tracker) Announce(ctx context.Context, params tracker.AnnounceParams) (*tracker.AnnounceResult, error) {
	ctx, cancel := context.WithTimeout(ctx, totalTimeout)
	defer cancel()

	raddr, err := net.ResolveUDPAddr("udp", t.addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	connID, err := t.connect(ctx, conn)
	if err != nil {
		return nil, err
	}
	return t.announce(ctx, conn, connID, params)
}

// ProtocolError reports an action or transaction_id mismatch, or a frame
// shorter than the protocol requires.
type ProtocolError string

func (e ProtocolError) Error() string { return "udptracker: protocol error: " + string(e) }

func (t *Tracker) connect(ctx context.Context, conn *net.UDPConn) (int64, error) {
	txID := rand.Int31() //nolint:gosec

	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], connectionIDMagic)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], uint32(txID))

	resp, err := t.roundTrip(ctx, conn, req, 16)
	if err != nil {
		return 0, err
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	gotTxID := int32(binary.BigEndian.Uint32(resp[4:8]))
	if action != actionConnect || gotTxID != txID {
		return 0, ProtocolError(fmt.Sprintf("connect: action=%d tx=%d", action, gotTxID))
	}
	return int64(binary.BigEndian.Uint64(resp[8:16])), nil
}

func (t *Tracker) announce(ctx context.Context, conn *net.UDPConn, connID int64, params tracker.AnnounceParams) (*tracker.AnnounceResult, error) {
	txID := rand.Int31() //nolint:gosec

	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], uint64(connID))
	binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], uint32(txID))
	copy(req[16:36], params.InfoHash.Bytes())
	copy(req[36:56], params.PeerID[:])
	binary.BigEndian.PutUint64(req[56:64], uint64(params.Downloaded))
	binary.BigEndian.PutUint64(req[64:72], uint64(params.Left))
	binary.BigEndian.PutUint64(req[72:80], uint64(params.Uploaded))
	binary.BigEndian.PutUint32(req[80:84], 0) // event = none
	binary.BigEndian.PutUint32(req[84:88], 0) // ip = default
	binary.BigEndian.PutUint32(req[88:92], 0) // key
	binary.BigEndian.PutUint32(req[92:96], 100)
	binary.BigEndian.PutUint16(req[96:98], params.Port)

	resp, err := t.roundTrip(ctx, conn, req, 20)
	if err != nil {
		return nil, err
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	gotTxID := int32(binary.BigEndian.Uint32(resp[4:8]))
	if action == actionError {
		return nil, tracker.Error(resp[8:])
	}
	if action != actionAnnounce || gotTxID != txID {
		return nil, ProtocolError(fmt.Sprintf("announce: action=%d tx=%d", action, gotTxID))
	}

	interval := binary.BigEndian.Uint32(resp[8:12])
	peers, err := tracker.DecodePeersCompact(resp[20:])
	if err != nil {
		return nil, err
	}
	return &tracker.AnnounceResult{
		Interval: time.Duration(interval) * time.Second,
		Peers:    peers,
	}, nil
}

// roundTrip sends req and waits for a response of at least minLen bytes,
// honoring ctx's deadline for the socket I/O as well as the overall
// announce timeout.
func (t *Tracker) roundTrip(ctx context.Context, conn *net.UDPConn, req []byte, minLen int) ([]byte, error) {
	deadline := time.Now().Add(ioTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if _, err := conn.Write(req); err != nil {
		return nil, err
	}

	buf := make([]byte, 20+6*1000) // header + up to 1000 compact peer records
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	if n < minLen {
		return nil, ProtocolError(fmt.Sprintf("short frame: %d bytes, want >= %d", n, minLen))
	}
	return buf[:n], nil
}

// Package tracker provides a single Tracker interface implemented by an
// HTTP variant and a UDP variant (BEP 15), plus an Aggregator that walks a
// tiered announce list per BEP 12.
package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/rain-leech/internal/sha1util"
)

// PeerEndpoint is a peer's dialable address as delivered by a tracker.
type PeerEndpoint struct {
	IP   [4]byte
	Port uint16
}

func (p PeerEndpoint) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", p.IP[0], p.IP[1], p.IP[2], p.IP[3], p.Port)
}

// Less orders endpoints for deterministic iteration and dedup.
func (p PeerEndpoint) Less(o PeerEndpoint) bool {
	for i := range p.IP {
		if p.IP[i] != o.IP[i] {
			return p.IP[i] < o.IP[i]
		}
	}
	return p.Port < o.Port
}

// AnnounceParams carries the information every tracker variant needs to
// build its announce request.
type AnnounceParams struct {
	InfoHash   sha1util.Digest
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
}

// AnnounceResult is what a successful announce returns.
type AnnounceResult struct {
	Interval time.Duration
	Peers    []PeerEndpoint
}

// Tracker announces a torrent's presence and retrieves peers.
type Tracker interface {
	// Announce the torrent. Any error should be treated by the caller as
	// "try the next tracker in the tier".
	Announce(ctx context.Context, params AnnounceParams) (*AnnounceResult, error)

	// URL of this tracker, as given in the announce-list.
	URL() string
}

// Error is a failure reason reported by a tracker in its own response.
type Error string

func (e Error) Error() string { return "tracker: " + string(e) }

// DecodePeersCompact parses the 6-bytes-per-peer compact format: 4 bytes
// IPv4 followed by 2 bytes big-endian port.
func DecodePeersCompact(b []byte) ([]PeerEndpoint, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("tracker: compact peers length %d is not a multiple of 6", len(b))
	}
	n := len(b) / 6
	peers := make([]PeerEndpoint, n)
	for i := 0; i < n; i++ {
		rec := b[i*6 : i*6+6]
		var p PeerEndpoint
		copy(p.IP[:], rec[:4])
		p.Port = binary.BigEndian.Uint16(rec[4:6])
		peers[i] = p
	}
	return peers, nil
}

// Constructor builds a Tracker for a parsed URL of a registered scheme.
type Constructor func(rawURL string, u *url.URL) (Tracker, error)

var constructors = map[string]Constructor{}

// RegisterScheme makes New aware of a scheme implementation. Called from
// httptracker/udptracker init().
func RegisterScheme(scheme string, c Constructor) {
	constructors[scheme] = c
}

var ErrUnsupportedScheme = fmt.Errorf("tracker: unsupported URL scheme")

// New selects the HTTP or UDP implementation by rawURL's scheme.
func New(rawURL string) (Tracker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(u.Scheme)
	ctor, ok := constructors[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return ctor(rawURL, u)
}

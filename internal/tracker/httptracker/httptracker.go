// Package httptracker implements the HTTP(S) tracker protocol: a
// query-string GET request, a bencoded dictionary response.
package httptracker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/rain-leech/bencode"
	"github.com/cenkalti/rain-leech/internal/tracker"
)

func init() {
	tracker.RegisterScheme("http", New)
	tracker.RegisterScheme("https", New)
}

const requestTimeout = 30 * time.Second

// Tracker is the HTTP(S) tracker.Tracker implementation.
type Tracker struct {
	rawURL string
	url    *url.URL
	client *http.Client
}

// New is a tracker.Constructor registered for the "http" and "https" schemes.
func New(rawURL string, u *url.URL) (tracker.Tracker, error) {
	return &Tracker{
		rawURL: rawURL,
		url:    u,
		client: &http.Client{Timeout: requestTimeout},
	}, nil
}

// URL returns the tracker's announce URL.
func (t *Tracker) URL() string { return t.rawURL }

// Announce performs one GET request and parses the bencoded response.
func (t *Tracker) Announce(ctx context.Context, params tracker.AnnounceParams) (*tracker.AnnounceResult, error) {
	q := url.Values{}
	q.Set("info_hash", string(params.InfoHash.Bytes()))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("port", strconv.FormatUint(uint64(params.Port), 10))
	q.Set("uploaded", strconv.FormatInt(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(params.Downloaded, 10))
	q.Set("left", strconv.FormatInt(params.Left, 10))
	q.Set("compact", "1")
	q.Set("numwant", "50")

	u := *t.url
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("httptracker: status %d: %q", resp.StatusCode, body)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 2*1024*1024))
	if err != nil {
		return nil, err
	}
	v, err := bencode.Decode(raw)
	if err != nil {
		return nil, err
	}
	return parseAnnounceResponse(v)
}

func parseAnnounceResponse(v bencode.Value) (*tracker.AnnounceResult, error) {
	if reason, ok := v.Get("failure reason"); ok {
		s, err := reason.String()
		if err != nil {
			return nil, err
		}
		return nil, tracker.Error(s)
	}

	interval := int64(1800)
	if iv, ok := v.Get("interval"); ok {
		n, err := iv.AsInt()
		if err != nil {
			return nil, err
		}
		interval = n
	}

	res := &tracker.AnnounceResult{Interval: time.Duration(interval) * time.Second}

	peersVal, ok := v.Get("peers")
	if !ok {
		return res, nil
	}
	switch peersVal.Kind {
	case bencode.KindBytes:
		peers, err := tracker.DecodePeersCompact(peersVal.Bytes)
		if err != nil {
			return nil, err
		}
		res.Peers = peers
	case bencode.KindList:
		peers, err := decodePeersDictionary(peersVal.List)
		if err != nil {
			return nil, err
		}
		res.Peers = peers
	}
	return res, nil
}

// decodePeersDictionary handles the non-compact "peers" model: a list of
// dictionaries each holding "ip" and "port".
func decodePeersDictionary(list []bencode.Value) ([]tracker.PeerEndpoint, error) {
	peers := make([]tracker.PeerEndpoint, 0, len(list))
	for _, item := range list {
		ipVal, ok := item.Get("ip")
		if !ok {
			continue
		}
		ipStr, err := ipVal.String()
		if err != nil {
			return nil, err
		}
		ip4 := net.ParseIP(ipStr).To4()
		if ip4 == nil {
			continue
		}
		portVal, ok := item.Get("port")
		if !ok {
			continue
		}
		port, err := portVal.AsInt()
		if err != nil {
			return nil, err
		}
		var p tracker.PeerEndpoint
		copy(p.IP[:], ip4)
		p.Port = uint16(port)
		peers = append(peers, p)
	}
	return peers, nil
}

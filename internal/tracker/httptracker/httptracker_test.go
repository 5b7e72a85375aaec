package httptracker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/cenkalti/rain-leech/internal/sha1util"
	"github.com/cenkalti/rain-leech/internal/tracker"
)

func TestAnnounceParsesCompactPeers(t *testing.T) {
	peerBytes := []byte{1, 2, 3, 4, 0x1a, 0xe1} // 1.2.3.4:6881
	body := fmt.Sprintf("d8:intervali900e5:peers6:%se", peerBytes)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	trk, err := New(srv.URL, u)
	if err != nil {
		t.Fatal(err)
	}

	res, err := trk.Announce(context.Background(), tracker.AnnounceParams{InfoHash: sha1util.Sum([]byte("x"))})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Peers) != 1 {
		t.Fatalf("len(Peers) = %d, want 1", len(res.Peers))
	}
	if res.Peers[0].Port != 0x1ae1 {
		t.Fatalf("port = %#x, want 0x1ae1", res.Peers[0].Port)
	}
}

func TestAnnounceReportsFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("d14:failure reason20:torrent not registerede"))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	trk, err := New(srv.URL, u)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := trk.Announce(context.Background(), tracker.AnnounceParams{}); err == nil {
		t.Fatal("expected an error")
	}
}

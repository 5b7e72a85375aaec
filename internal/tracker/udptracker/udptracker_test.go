package udptracker

import (
	"context"
	"encoding/binary"
	"net"
	"net/url"
	"testing"

	"github.com/cenkalti/rain-leech/internal/sha1util"
	"github.com/cenkalti/rain-leech/internal/tracker"
)

// fakeServer answers exactly one connect and one announce request with a
// single compact peer record, then stops.
func fakeServer(t *testing.T) (addr string, done chan struct{}) {
	t.Helper()
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	done = make(chan struct{})
	go func() {
		defer ln.Close()
		defer close(done)

		buf := make([]byte, 256)
		for i := 0; i < 2; i++ {
			n, raddr, err := ln.ReadFromUDP(buf)
			if err != nil {
				return
			}
			txID := binary.BigEndian.Uint32(buf[12:16])
			action := binary.BigEndian.Uint32(buf[8:12])
			_ = n
			switch action {
			case actionConnect:
				resp := make([]byte, 16)
				binary.BigEndian.PutUint32(resp[0:4], actionConnect)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint64(resp[8:16], 0xdeadbeef)
				_, _ = ln.WriteToUDP(resp, raddr)
			case actionAnnounce:
				resp := make([]byte, 26)
				binary.BigEndian.PutUint32(resp[0:4], actionAnnounce)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint32(resp[8:12], 900) // interval
				binary.BigEndian.PutUint32(resp[12:16], 1)  // leechers
				binary.BigEndian.PutUint32(resp[16:20], 2)  // seeders
				copy(resp[20:24], []byte{10, 0, 0, 1})
				binary.BigEndian.PutUint16(resp[24:26], 6881)
				_, _ = ln.WriteToUDP(resp, raddr)
			}
		}
	}()
	return ln.LocalAddr().String(), done
}

func TestAnnounceRoundTrip(t *testing.T) {
	addr, done := fakeServer(t)

	u, err := url.Parse("udp://" + addr)
	if err != nil {
		t.Fatal(err)
	}
	trk, err := New("udp://"+addr, u)
	if err != nil {
		t.Fatal(err)
	}

	res, err := trk.Announce(context.Background(), tracker.AnnounceParams{InfoHash: sha1util.Sum([]byte("x")), PeerID: [20]byte{1}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Peers) != 1 || res.Peers[0].Port != 6881 {
		t.Fatalf("unexpected result: %+v", res)
	}
	<-done
}

func TestConnectRejectsActionMismatch(t *testing.T) {
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		buf := make([]byte, 64)
		_, raddr, err := ln.ReadFromUDP(buf)
		if err != nil {
			return
		}
		resp := make([]byte, 16)
		binary.BigEndian.PutUint32(resp[0:4], actionError) // wrong action
		_, _ = ln.WriteToUDP(resp, raddr)
	}()

	u, err := url.Parse("udp://" + ln.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	trk, err := New("udp://"+ln.LocalAddr().String(), u)
	if err != nil {
		t.Fatal(err)
	}
	_, err = trk.Announce(context.Background(), tracker.AnnounceParams{})
	if _, ok := err.(ProtocolError); !ok {
		t.Fatalf("err = %v (%T), want ProtocolError", err, err)
	}
}

package peer

import (
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lvbealr/bittorrent-leecher/internal/metainfo"
	"github.com/lvbealr/bittorrent-leecher/internal/piece"
	"github.com/lvbealr/bittorrent-leecher/internal/wire"
)

func buildTestTorrent(t *testing.T) (*metainfo.Torrent, []byte) {
	t.Helper()
	data := make([]byte, 32768)
	for i := range data {
		data[i] = byte(i)
	}
	h := sha1.Sum(data)
	tr := &metainfo.Torrent{
		PieceLength: 32768,
		Pieces:      [][20]byte{h},
		Files:       []metainfo.File{{RelPath: "f.bin", Length: 32768, Offset: 0}},
		TotalLength: 32768,
	}
	return tr, data
}

// fakePeer is a minimal peer-side BitTorrent endpoint over a loopback
// TCP connection (127.0.0.1), used to drive Session.Run through a full
// handshake and a one-piece download.
type fakePeer struct {
	conn     net.Conn
	infoHash [20]byte
}

func (f *fakePeer) expectHandshake(t *testing.T) {
	t.Helper()
	buf := make([]byte, 68)
	_, err := f.conn.Read(buf)
	require.NoError(t, err)
	n, msg, err := wire.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, 68, n)
	require.Equal(t, f.infoHash, msg.InfoHash)
}

func (f *fakePeer) sendHandshake(t *testing.T) {
	t.Helper()
	var peerID [20]byte
	copy(peerID[:], "-PEER000000000000000")
	_, err := f.conn.Write(wire.EncodeHandshake(f.infoHash, peerID))
	require.NoError(t, err)
}

func (f *fakePeer) expectMessage(t *testing.T, kind wire.Kind) wire.Message {
	t.Helper()
	buf := make([]byte, 4)
	_, err := f.conn.Read(buf)
	require.NoError(t, err)
	length := int(buf[0])<<24 | int(buf[1])<<16 | int(buf[2])<<8 | int(buf[3])
	if length == 0 {
		require.Equal(t, wire.KindKeepAlive, kind)
		return wire.Message{Kind: wire.KindKeepAlive}
	}
	rest := make([]byte, length)
	_, err = f.conn.Read(rest)
	require.NoError(t, err)
	full := append(buf, rest...)
	_, msg, err := wire.Decode(full)
	require.NoError(t, err)
	require.Equal(t, kind, msg.Kind)
	return msg
}

func (f *fakePeer) send(t *testing.T, m wire.Message) {
	t.Helper()
	_, err := f.conn.Write(wire.Encode(m))
	require.NoError(t, err)
}

func TestSessionDownloadsSinglePieceEndToEnd(t *testing.T) {
	tr, data := buildTestTorrent(t)
	store, err := piece.NewStore(t.TempDir(), tr)
	require.NoError(t, err)
	defer store.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	peerConnCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		peerConnCh <- c
	}()

	var peerID [20]byte
	copy(peerID[:], "-CLIENT0000000000000")
	sess := New(ln.Addr().String(), tr, store, peerID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	conn := <-peerConnCh
	defer conn.Close()
	fp := &fakePeer{conn: conn, infoHash: tr.InfoHash}

	fp.expectHandshake(t)
	fp.sendHandshake(t)
	fp.expectMessage(t, wire.KindInterested)

	numSub := 2
	bf := make([]byte, 1)
	bf[0] = 0x80 // piece 0 claimed
	fp.send(t, wire.Message{Kind: wire.KindBitfield, BitfieldBytes: bf})
	fp.send(t, wire.Message{Kind: wire.KindUnchoke})

	for i := 0; i < numSub; i++ {
		req := fp.expectMessage(t, wire.KindRequest)
		begin := req.Begin
		length := req.Length
		fp.send(t, wire.Message{
			Kind:  wire.KindPiece,
			Index: req.Index,
			Begin: begin,
			Block: data[begin : begin+length],
		})
	}

	require.Eventually(t, func() bool {
		return store.IsComplete(0)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionDropsConnectionOnInfoHashMismatch(t *testing.T) {
	tr, _ := buildTestTorrent(t)
	store, err := piece.NewStore(t.TempDir(), tr)
	require.NoError(t, err)
	defer store.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	peerConnCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		peerConnCh <- c
	}()

	var peerID [20]byte
	sess := New(ln.Addr().String(), tr, store, peerID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		sess.Run(ctx)
		close(done)
	}()

	conn := <-peerConnCh
	defer conn.Close()
	var wrongHash [20]byte
	wrongHash[0] = 0xFF
	fp := &fakePeer{conn: conn, infoHash: tr.InfoHash}
	fp.expectHandshake(t)

	var otherPeerID [20]byte
	conn.Write(wire.EncodeHandshake(wrongHash, otherPeerID))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close on info-hash mismatch")
	}
	require.False(t, sess.Connected())
}

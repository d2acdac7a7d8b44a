// Package peer drives one remote peer connection: the BitTorrent
// handshake, the wire protocol state machine, and the pipelined
// REQUEST/PIECE request loop. Adapted from the teacher's
// PerformHandshake/DownloadFromPeer pair, reshaped into one
// goroutine-per-peer state machine reading off a channel instead of
// a blocking for-loop, per the concurrency reshape spec §9 allows.
package peer

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lvbealr/bittorrent-leecher/internal/bitfield"
	"github.com/lvbealr/bittorrent-leecher/internal/logx"
	"github.com/lvbealr/bittorrent-leecher/internal/metainfo"
	"github.com/lvbealr/bittorrent-leecher/internal/piece"
	"github.com/lvbealr/bittorrent-leecher/internal/wire"
)

const (
	inFlightCap       = 4
	keepAliveInterval = 30 * time.Second
	requestTimeout    = 30 * time.Second
	dialTimeout       = 5 * time.Second
	handshakeTimeout  = 5 * time.Second
	readChunkSize     = 4096
)

// ErrInfoHashMismatch is logged, and the connection dropped, when the
// peer's handshake carries a different info-hash than ours.
var ErrInfoHashMismatch = errors.New("peer: info-hash mismatch in handshake")

// ErrBitfieldLengthMismatch is logged, and the connection dropped, when
// a BITFIELD frame's length does not match ceil(numPieces/8).
var ErrBitfieldLengthMismatch = errors.New("peer: bitfield length mismatch")

type cursor struct {
	valid      bool
	pieceIndex int
	subOffset  int64
}

type inFlightRequest struct {
	pieceIndex int
	offset     int64
	length     int64
	sentAt     time.Time
}

// Session is one remote peer connection, driven entirely by its own
// goroutine (Run). Every field below Addr/createdAt/connected is only
// ever touched by that goroutine; Addr, createdAt and connected are
// safe to read concurrently from the swarm's reaper.
type Session struct {
	Addr      string
	TraceID   string
	createdAt time.Time
	connected atomic.Bool

	torrent *metainfo.Torrent
	store   *piece.Store
	peerID  [20]byte
	log     *logx.Logger

	conn         net.Conn
	inbound      []byte
	peerBitfield *bitfield.Bitfield
	cursor       cursor
	inFlight     []inFlightRequest
}

// New returns a Session for addr, sharing read/write access to store
// (the swarm's piece vector, per the ownership model in spec §4.6)
// and read-only access to torrent.
func New(addr string, torrent *metainfo.Torrent, store *piece.Store, peerID [20]byte) *Session {
	return &Session{
		Addr:      addr,
		TraceID:   uuid.NewString(),
		createdAt: time.Now(),
		torrent:   torrent,
		store:     store,
		peerID:    peerID,
		log:       logx.New("peer"),
	}
}

// CreatedAt reports when the session was constructed.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Connected reports whether the TCP connection is currently up.
func (s *Session) Connected() bool { return s.connected.Load() }

// Run drives the full connection lifecycle: CONNECTING, HANDSHAKE_SENT,
// BITFIELD_WAIT/CHOKED, UNCHOKED, until the context is canceled or the
// peer is dropped per spec §5's cancellation rules. It returns only
// after the socket is closed.
func (s *Session) Run(ctx context.Context) {
	conn, err := net.DialTimeout("tcp", s.Addr, dialTimeout)
	if err != nil {
		s.log.Fail("%s [%s]: connect failed: %v", s.Addr, s.TraceID, err)
		return
	}
	s.conn = conn
	s.connected.Store(true)
	defer func() {
		s.connected.Store(false)
		conn.Close()
	}()

	if err := s.sendHandshake(); err != nil {
		s.log.Fail("%s [%s]: sending handshake: %v", s.Addr, s.TraceID, err)
		return
	}

	hs, err := s.readHandshakeBlocking()
	if err != nil {
		s.log.Fail("%s [%s]: reading handshake: %v", s.Addr, s.TraceID, err)
		return
	}
	if hs.InfoHash != s.torrent.InfoHash {
		s.log.Fail("%s [%s]: %v", s.Addr, s.TraceID, ErrInfoHashMismatch)
		return
	}

	if err := s.send(wire.Message{Kind: wire.KindInterested}); err != nil {
		s.log.Fail("%s [%s]: sending interested: %v", s.Addr, s.TraceID, err)
		return
	}

	s.runLoop(ctx)
}

func (s *Session) sendHandshake() error {
	s.conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	_, err := s.conn.Write(wire.EncodeHandshake(s.torrent.InfoHash, s.peerID))
	return err
}

// readHandshakeBlocking reads until the 68-byte handshake frame has
// been decoded, per spec §4.4. Any bytes received after it are left in
// s.inbound for runLoop to decode.
func (s *Session) readHandshakeBlocking() (wire.Message, error) {
	for {
		n, msg, err := wire.Decode(s.inbound)
		if err == nil {
			s.inbound = s.inbound[n:]
			return msg, nil
		}
		if err != wire.ErrNeedMore {
			return wire.Message{}, err
		}
		buf := make([]byte, readChunkSize)
		s.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
		n2, rerr := s.conn.Read(buf)
		if n2 > 0 {
			s.inbound = append(s.inbound, buf[:n2]...)
		}
		if rerr != nil {
			return wire.Message{}, rerr
		}
	}
}

func (s *Session) send(m wire.Message) error {
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err := s.conn.Write(wire.Encode(m))
	return err
}

type readResult struct {
	data []byte
	err  error
}

// runLoop owns every subsequent mutation of session state. A reader
// goroutine only pushes raw bytes (never touching session fields) so
// the decode-and-react logic below stays single-threaded, matching
// spec §5's single-writer invariant.
func (s *Session) runLoop(ctx context.Context) {
	readCh := make(chan readResult, 8)
	go func() {
		for {
			buf := make([]byte, readChunkSize)
			s.conn.SetReadDeadline(time.Now().Add(2 * time.Minute))
			n, err := s.conn.Read(buf)
			if n > 0 {
				select {
				case readCh <- readResult{data: buf[:n]}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				select {
				case readCh <- readResult{err: err}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	timeoutCheck := time.NewTicker(5 * time.Second)
	defer timeoutCheck.Stop()

	unchoked := false

	// Drain whatever arrived packed in the same read as the handshake
	// (peers that pipeline a BITFIELD right behind it) before
	// waiting on the reader goroutine.
	if !s.drainInbound(&unchoked) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-keepAlive.C:
			if err := s.send(wire.Message{Kind: wire.KindKeepAlive}); err != nil {
				s.log.Fail("%s [%s]: keepalive write failed: %v", s.Addr, s.TraceID, err)
				return
			}

		case <-timeoutCheck.C:
			s.reapTimedOutRequests()
			if unchoked {
				if !s.topUpPipeline() {
					return
				}
			}

		case rr := <-readCh:
			if rr.err != nil {
				s.log.Fail("%s [%s]: connection closed: %v", s.Addr, s.TraceID, rr.err)
				return
			}
			s.inbound = append(s.inbound, rr.data...)
			if !s.drainInbound(&unchoked) {
				return
			}
		}
	}
}

// drainInbound decodes every complete frame currently sitting in
// s.inbound (spec §9's multi-frame-per-read fix, rather than decoding
// at most one frame per read event), reacting to each in turn. It
// returns false if the connection must be dropped.
func (s *Session) drainInbound(unchoked *bool) bool {
	for {
		n, msg, err := wire.Decode(s.inbound)
		if errors.Is(err, wire.ErrNeedMore) {
			return true
		}
		if err != nil {
			s.log.Fail("%s [%s]: decode error: %v", s.Addr, s.TraceID, err)
			return false
		}
		s.inbound = s.inbound[n:]

		justUnchoked, fatal := s.handleMessage(msg, unchoked)
		if fatal {
			return false
		}
		if justUnchoked || (*unchoked && (msg.Kind == wire.KindPiece || msg.Kind == wire.KindHave)) {
			if !s.topUpPipeline() {
				return false
			}
		}
	}
}

// handleMessage applies one decoded message to session state. It
// returns justUnchoked=true the instant the peer transitions into the
// unchoked state (spec §4.4: "the moment the first UNCHOKE arrives,
// start the request pipeline"), and fatal=true if the connection must
// be dropped.
func (s *Session) handleMessage(msg wire.Message, unchoked *bool) (justUnchoked bool, fatal bool) {
	switch msg.Kind {
	case wire.KindKeepAlive:
		// no-op

	case wire.KindChoke:
		*unchoked = false

	case wire.KindUnchoke:
		if !*unchoked {
			*unchoked = true
			justUnchoked = true
		}

	case wire.KindInterested, wire.KindNotInterested, wire.KindRequest, wire.KindCancel:
		// This client never serves blocks (pure leecher, spec §1); any
		// message implying we should upload is simply ignored.

	case wire.KindHave:
		if s.peerBitfield == nil {
			s.peerBitfield = bitfield.New(s.torrent.NumPieces())
		}
		if int(msg.Index) < s.peerBitfield.Len() {
			s.peerBitfield.Set(int(msg.Index), true)
		}

	case wire.KindBitfield:
		want := (s.torrent.NumPieces() + 7) / 8
		if len(msg.BitfieldBytes) != want {
			s.log.Fail("%s [%s]: %v (got %d bytes, want %d)", s.Addr, s.TraceID, ErrBitfieldLengthMismatch, len(msg.BitfieldBytes), want)
			return false, true
		}
		s.peerBitfield = bitfield.FromBytes(msg.BitfieldBytes, s.torrent.NumPieces())

	case wire.KindPiece:
		s.removeInFlight(int(msg.Index), int64(msg.Begin))
		if err := s.store.Save(int(msg.Index), int64(msg.Begin), msg.Block); err != nil {
			s.log.Fail("%s [%s]: save piece %d@%d: %v", s.Addr, s.TraceID, msg.Index, msg.Begin, err)
			return false, true
		}
	}
	return justUnchoked, false
}

func (s *Session) removeInFlight(pieceIndex int, offset int64) {
	for i, r := range s.inFlight {
		if r.pieceIndex == pieceIndex && r.offset == offset {
			s.inFlight = append(s.inFlight[:i], s.inFlight[i+1:]...)
			return
		}
	}
	// No exact match (e.g. a cancelled/retried request) — drop the
	// oldest slot so the pipeline can still top back up to cap.
	if len(s.inFlight) > 0 {
		s.inFlight = s.inFlight[1:]
	}
}

func (s *Session) reapTimedOutRequests() {
	cutoff := time.Now().Add(-requestTimeout)
	kept := s.inFlight[:0]
	for _, r := range s.inFlight {
		if r.sentAt.Before(cutoff) {
			continue // let topUpPipeline re-request this sub-piece elsewhere
		}
		kept = append(kept, r)
	}
	s.inFlight = kept
}

// topUpPipeline keeps inFlight at cap by picking work via ensureCursor
// and emitting REQUESTs, per the algorithm in spec §4.4. It returns
// false if the peer has nothing further to offer and the connection
// should close.
func (s *Session) topUpPipeline() bool {
	for len(s.inFlight) < inFlightCap {
		if !s.ensureCursor() {
			return false
		}

		offset, length, err := s.store.FirstIncompleteAfter(s.cursor.pieceIndex, s.cursor.subOffset)
		if errors.Is(err, piece.ErrAlreadyComplete) {
			s.cursor.valid = false
			continue
		}
		if err != nil {
			s.log.Error("%s [%s]: FirstIncompleteAfter: %v", s.Addr, s.TraceID, err)
			return false
		}

		req := wire.Message{
			Kind:   wire.KindRequest,
			Index:  uint32(s.cursor.pieceIndex),
			Begin:  uint32(offset),
			Length: uint32(length),
		}
		if err := s.send(req); err != nil {
			s.log.Fail("%s [%s]: sending request: %v", s.Addr, s.TraceID, err)
			return false
		}
		s.inFlight = append(s.inFlight, inFlightRequest{
			pieceIndex: s.cursor.pieceIndex,
			offset:     offset,
			length:     length,
			sentAt:     time.Now(),
		})

		s.cursor.subOffset = offset + length
		if s.cursor.subOffset >= s.store.PieceLength(s.cursor.pieceIndex) {
			s.cursor.pieceIndex = (s.cursor.pieceIndex + 1) % s.torrent.NumPieces()
			s.cursor.subOffset = 0
		}
	}
	return true
}

// ensureCursor re-picks a piece uniformly at random from the
// peer-claimed, still-incomplete set whenever the current cursor is
// unset, no longer claimed, or already complete (spec §4.4 step 1).
func (s *Session) ensureCursor() bool {
	if s.cursor.valid &&
		s.peerBitfield != nil &&
		s.cursor.pieceIndex < s.peerBitfield.Len() &&
		s.peerBitfield.Get(s.cursor.pieceIndex) &&
		!s.store.IsComplete(s.cursor.pieceIndex) {
		return true
	}

	if s.peerBitfield == nil {
		return false
	}

	var candidates []int
	for i := 0; i < s.torrent.NumPieces(); i++ {
		if i < s.peerBitfield.Len() && s.peerBitfield.Get(i) && !s.store.IsComplete(i) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return false
	}

	s.cursor = cursor{valid: true, pieceIndex: candidates[rand.Intn(len(candidates))], subOffset: 0}
	return true
}

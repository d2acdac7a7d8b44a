// Package piece implements the piece store: it maps the linear
// torrent byte space onto the on-disk file layout, buffers incoming
// sub-piece blocks, verifies completed pieces against their SHA-1
// hash, and scatter-writes verified pieces to the right files at the
// right offsets. Grounded on the teacher's StartDownload scatter-write
// loop and InitializePieces setup, generalized into a component with
// its own lifecycle instead of being inlined in the download loop.
package piece

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"github.com/lvbealr/bittorrent-leecher/internal/bitfield"
	"github.com/lvbealr/bittorrent-leecher/internal/metainfo"
)

// BlockSize is the protocol's fixed sub-piece (block) size.
const BlockSize = 16384

// ErrOffsetOverflow is returned by Save when offset+len(data) would
// write past the end of the piece: a protocol error from the peer.
var ErrOffsetOverflow = errors.New("piece: sub-piece offset overflows piece length")

// ErrAlreadyComplete is returned by FirstIncompleteAfter when no
// incomplete sub-piece remains at or after the given hint (with a hint
// of 0, this means the whole piece is complete).
var ErrAlreadyComplete = errors.New("piece: no incomplete sub-piece remains")

type state struct {
	mu             sync.Mutex
	index          int
	length         int64
	hash           [20]byte
	numSub         int
	mask           *bitfield.Bitfield
	completedCount int
	buffer         []byte
	onDisk         bool
}

// Store owns every piece of one torrent and the open file handles
// backing its file layout.
type Store struct {
	root    string
	torrent *metainfo.Torrent
	files   []metainfo.File // ascending by Offset, as produced by metainfo.Load
	pieces  []*state

	handleMu sync.Mutex
	handles  map[string]*os.File

	// OnHashMismatch and OnDiskError are invoked (if non-nil) whenever
	// a completed piece fails verification or its scatter-write fails,
	// matching spec §7's "logged, piece reset, no peer punished".
	OnHashMismatch func(pieceIndex int)
	OnDiskError    func(pieceIndex int, err error)
}

// NewStore creates (or truncates) every output file declared by t and
// returns a Store ready to accept sub-pieces.
func NewStore(root string, t *metainfo.Torrent) (*Store, error) {
	s := &Store{
		root:    root,
		torrent: t,
		files:   t.Files,
		handles: make(map[string]*os.File),
	}

	for _, f := range t.Files {
		full := filepath.Join(root, f.RelPath)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, fmt.Errorf("piece: creating directory for %q: %w", full, err)
		}
		fh, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("piece: opening %q: %w", full, err)
		}
		if err := fh.Truncate(f.Length); err != nil {
			fh.Close()
			return nil, fmt.Errorf("piece: truncating %q to %d: %w", full, f.Length, err)
		}
		s.handles[f.RelPath] = fh
	}

	s.pieces = make([]*state, t.NumPieces())
	for i := range s.pieces {
		length := t.PieceLengthAt(i)
		numSub := int((length + BlockSize - 1) / BlockSize)
		s.pieces[i] = &state{
			index:  i,
			length: length,
			hash:   t.Pieces[i],
			numSub: numSub,
			mask:   bitfield.New(numSub),
		}
	}

	return s, nil
}

// Close releases every open file handle.
func (s *Store) Close() error {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	var first error
	for _, fh := range s.handles {
		if err := fh.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NumPieces returns the number of pieces in the torrent.
func (s *Store) NumPieces() int {
	return len(s.pieces)
}

// PieceLength returns the length of piece i.
func (s *Store) PieceLength(i int) int64 {
	return s.pieces[i].length
}

// VerifyFromDisk performs the best-effort startup re-verification of
// every piece described in spec §4.3: read the piece's bytes from the
// file layout, SHA-1 them, and mark the piece complete without ever
// buffering it in RAM if the digest matches. Any I/O failure during
// the probe leaves the piece empty.
func (s *Store) VerifyFromDisk() {
	for i, p := range s.pieces {
		start := int64(i) * s.torrent.PieceLength
		data, err := s.readRange(start, p.length)
		if err != nil {
			continue
		}
		sum := sha1.Sum(data)
		if sum != p.hash {
			continue
		}
		p.mu.Lock()
		p.mask.Fill(true)
		p.completedCount = p.numSub
		p.onDisk = true
		p.mu.Unlock()
	}
}

// Save ingests a received sub-piece at offset within piece
// pieceIndex, per the lifecycle in spec §4.3.
func (s *Store) Save(pieceIndex int, offset int64, data []byte) error {
	p := s.pieces[pieceIndex]

	p.mu.Lock()
	defer p.mu.Unlock()

	if offset < 0 || offset+int64(len(data)) > p.length {
		return fmt.Errorf("piece %d: %w", pieceIndex, ErrOffsetOverflow)
	}

	subIndex := int(offset / BlockSize)
	if p.mask.Get(subIndex) {
		return nil // idempotent: later copy of an already-received sub-piece is discarded
	}

	if p.buffer == nil {
		p.buffer = make([]byte, p.length)
	}
	copy(p.buffer[offset:], data)
	p.mask.Set(subIndex, true)
	p.completedCount++

	if p.completedCount != p.numSub {
		return nil
	}

	sum := sha1.Sum(p.buffer)
	if sum != p.hash {
		p.mask.Fill(false)
		p.completedCount = 0
		if s.OnHashMismatch != nil {
			s.OnHashMismatch(pieceIndex)
		}
		return nil
	}

	start := int64(pieceIndex) * s.torrent.PieceLength
	if err := s.writeRange(start, p.buffer); err != nil {
		p.mask.Fill(false)
		p.completedCount = 0
		if s.OnDiskError != nil {
			s.OnDiskError(pieceIndex, err)
		}
		return nil
	}
	p.onDisk = true
	return nil
}

// FirstIncompleteAfter returns the first sub-piece at or after hint
// (a byte offset within the piece) that is not yet complete.
func (s *Store) FirstIncompleteAfter(pieceIndex int, hint int64) (offset int64, length int64, err error) {
	p := s.pieces[pieceIndex]

	p.mu.Lock()
	defer p.mu.Unlock()

	startSub := int(hint / BlockSize)
	for i := startSub; i < p.numSub; i++ {
		if p.mask.Get(i) {
			continue
		}
		off := int64(i) * BlockSize
		ln := int64(BlockSize)
		if off+ln > p.length {
			ln = p.length - off
		}
		return off, ln, nil
	}
	return 0, 0, ErrAlreadyComplete
}

// IsComplete reports whether every sub-piece of pieceIndex has been
// received and verified (the piece may or may not still be buffered
// in RAM; on-disk-ness is independent of this check).
func (s *Store) IsComplete(pieceIndex int) bool {
	p := s.pieces[pieceIndex]
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completedCount == p.numSub
}

// AllComplete reports whether every piece has been verified and
// written to disk — the swarm coordinator's termination condition.
func (s *Store) AllComplete() bool {
	for _, p := range s.pieces {
		p.mu.Lock()
		onDisk := p.onDisk
		p.mu.Unlock()
		if !onDisk {
			return false
		}
	}
	return true
}

// CompletedCount returns the number of pieces currently on disk.
func (s *Store) CompletedCount() int {
	n := 0
	for _, p := range s.pieces {
		p.mu.Lock()
		if p.onDisk {
			n++
		}
		p.mu.Unlock()
	}
	return n
}

// CachedBytes returns the total piece_length across every on-disk
// piece that still holds a cached buffer — the eviction budget's
// input metric (spec §4.6).
func (s *Store) CachedBytes() int64 {
	var total int64
	for _, p := range s.pieces {
		p.mu.Lock()
		if p.onDisk && p.buffer != nil {
			total += p.length
		}
		p.mu.Unlock()
	}
	return total
}

// EvictIfOverBudget drops the buffers of a randomly chosen half of
// the on-disk, still-buffered pieces if their combined size exceeds
// maxBytes (spec §4.6, every 5s).
func (s *Store) EvictIfOverBudget(maxBytes int64) {
	var candidates []*state
	var total int64
	for _, p := range s.pieces {
		p.mu.Lock()
		if p.onDisk && p.buffer != nil {
			candidates = append(candidates, p)
			total += p.length
		}
		p.mu.Unlock()
	}
	if total <= maxBytes {
		return
	}

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	half := (len(candidates) + 1) / 2
	for _, p := range candidates[:half] {
		p.mu.Lock()
		p.buffer = nil
		p.mu.Unlock()
	}
}

// findFileIndex locates the index of the file containing byte target
// via the standard invariant-preserving binary search (spec §9 flags
// the source's off-by-one variant as buggy; this is the corrected
// form): file.Offset > target narrows left, file.Offset+file.Length <=
// target narrows right, otherwise target falls inside this file.
func (s *Store) findFileIndex(target int64) int {
	lo, hi := 0, len(s.files)-1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		f := s.files[mid]
		switch {
		case f.Offset > target:
			hi = mid - 1
		case f.Offset+f.Length <= target:
			lo = mid + 1
		default:
			return mid
		}
	}
	return -1
}

func (s *Store) handleFor(relPath string) (*os.File, error) {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	fh, ok := s.handles[relPath]
	if !ok {
		return nil, fmt.Errorf("piece: no open handle for %q", relPath)
	}
	return fh, nil
}

// writeRange scatter-writes data (len(data) == length of the byte
// range starting at start in the virtual concatenation) across every
// file it overlaps.
func (s *Store) writeRange(start int64, data []byte) error {
	return s.walkRange(start, int64(len(data)), func(f metainfo.File, fileOff, dataOff, n int64) error {
		fh, err := s.handleFor(f.RelPath)
		if err != nil {
			return err
		}
		_, err = fh.WriteAt(data[dataOff:dataOff+n], fileOff)
		return err
	})
}

// readRange gather-reads length bytes starting at start from the
// underlying file layout.
func (s *Store) readRange(start int64, length int64) ([]byte, error) {
	out := make([]byte, length)
	err := s.walkRange(start, length, func(f metainfo.File, fileOff, dataOff, n int64) error {
		fh, err := s.handleFor(f.RelPath)
		if err != nil {
			return err
		}
		_, err = fh.ReadAt(out[dataOff:dataOff+n], fileOff)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// walkRange locates the first file containing start via binary
// search, then walks forward through the file layout invoking fn for
// the intersection of [start, start+length) with each file range,
// until the whole range is covered.
func (s *Store) walkRange(start, length int64, fn func(f metainfo.File, fileOff, dataOff, n int64) error) error {
	end := start + length
	idx := s.findFileIndex(start)
	if idx < 0 {
		return fmt.Errorf("piece: no file contains offset %d", start)
	}

	pos := start
	for pos < end && idx < len(s.files) {
		f := s.files[idx]
		fileEnd := f.Offset + f.Length
		segEnd := min64(end, fileEnd)
		if segEnd <= pos {
			idx++
			continue
		}
		n := segEnd - pos
		if err := fn(f, pos-f.Offset, pos-start, n); err != nil {
			return fmt.Errorf("piece: I/O on %q: %w", f.RelPath, err)
		}
		pos = segEnd
		idx++
	}
	if pos < end {
		return fmt.Errorf("piece: file layout does not cover range [%d, %d)", start, end)
	}
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

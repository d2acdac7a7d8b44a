package metainfo

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackpal/bencode-go"
)

func writeTorrentFile(t *testing.T, dir string) (string, [20]byte) {
	t.Helper()

	type fileEntry struct {
		Length int64    `bencode:"length"`
		Path   []string `bencode:"path"`
	}
	type info struct {
		PieceLength int64       `bencode:"piece length"`
		Pieces      string      `bencode:"pieces"`
		Name        string      `bencode:"name"`
		Files       []fileEntry `bencode:"files"`
	}
	type torrent struct {
		Announce string `bencode:"announce"`
		Info     info   `bencode:"info"`
	}

	piece0 := sha1.Sum([]byte("piece-zero-bytes"))
	piece1 := sha1.Sum([]byte("piece-one-bytes."))

	tf := torrent{
		Announce: "http://tracker.example/announce",
		Info: info{
			PieceLength: 32768,
			Pieces:      string(piece0[:]) + string(piece1[:]),
			Name:        "multi",
			Files: []fileEntry{
				{Length: 20000, Path: []string{"a.bin"}},
				{Length: 45536, Path: []string{"sub", "b.bin"}},
			},
		},
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, tf); err != nil {
		t.Fatalf("marshal: %v", err)
	}

	// Recompute the expected info-hash the same way the production
	// extractor does: hash the raw bencoded "info" value.
	var infoBuf bytes.Buffer
	if err := bencode.Marshal(&infoBuf, tf.Info); err != nil {
		t.Fatalf("marshal info: %v", err)
	}
	expected := sha1.Sum(infoBuf.Bytes())

	path := filepath.Join(dir, "t.torrent")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path, expected
}

func TestLoadMultiFile(t *testing.T) {
	dir := t.TempDir()
	path, expectedHash := writeTorrentFile(t, dir)

	tr, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if tr.InfoHash != expectedHash {
		t.Fatalf("info hash mismatch: got %x want %x", tr.InfoHash, expectedHash)
	}
	if tr.NumPieces() != 2 {
		t.Fatalf("expected 2 pieces, got %d", tr.NumPieces())
	}
	if tr.TotalLength != 65536 {
		t.Fatalf("expected total length 65536, got %d", tr.TotalLength)
	}
	if len(tr.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(tr.Files))
	}
	if tr.Files[0].Offset != 0 || tr.Files[1].Offset != 20000 {
		t.Fatalf("unexpected file offsets: %+v", tr.Files)
	}
	if tr.PieceLengthAt(0) != 32768 {
		t.Fatalf("expected full piece length for piece 0, got %d", tr.PieceLengthAt(0))
	}
	if tr.PieceLengthAt(1) != 32768 {
		t.Fatalf("expected last piece length 32768, got %d", tr.PieceLengthAt(1))
	}
}

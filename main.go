package main

import (
	crand "crypto/rand"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/lvbealr/bittorrent-leecher/internal/logx"
	"github.com/lvbealr/bittorrent-leecher/internal/metainfo"
	"github.com/lvbealr/bittorrent-leecher/internal/piece"
	"github.com/lvbealr/bittorrent-leecher/internal/swarm"
)

const peerIDPrefix = "-BT0001-"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <path-to-torrent-file>\n", filepath.Base(os.Args[0]))
		os.Exit(1)
	}

	log := logx.New("main")
	path := os.Args[len(os.Args)-1]

	t, err := metainfo.Load(path)
	if err != nil {
		log.Error("loading %s: %v", path, err)
		os.Exit(1)
	}

	root := filepath.Join("downloads", t.Name)
	store, err := piece.NewStore(root, t)
	if err != nil {
		log.Error("creating piece store under %s: %v", root, err)
		os.Exit(1)
	}
	defer store.Close()

	peerID, err := generatePeerID()
	if err != nil {
		log.Error("generating peer id: %v", err)
		os.Exit(1)
	}

	sw := swarm.New(t, store, peerID, "externalTrackerList.txt")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info("starting %s: %d pieces, %d bytes", t.Name, t.NumPieces(), t.TotalLength)
	if err := sw.Run(ctx); err != nil {
		log.Error("swarm exited: %v", err)
		os.Exit(1)
	}
}

// generatePeerID builds a 20-byte peer id: the conventional Azureus-
// style "-BT0001-" prefix followed by 12 random alphanumeric
// characters, adapted from the teacher's GeneratePeerID.
func generatePeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], peerIDPrefix)

	tail := make([]byte, 20-len(peerIDPrefix))
	if _, err := crand.Read(tail); err != nil {
		return id, fmt.Errorf("generating random peer id suffix: %w", err)
	}
	const chars = "0123456789abcdefghijklmnopqrstuvwxyz"
	for i, b := range tail {
		tail[i] = chars[int(b)%len(chars)]
	}
	copy(id[len(peerIDPrefix):], tail)
	return id, nil
}

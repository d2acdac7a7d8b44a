// Package swarm is the top-level coordinator: it owns the tracker
// set, the peer registry, and the piece store, and drives the four
// periodic ticks spec §4.6 describes. Adapted from the teacher's
// main download loop in torrent.go/p2p.go, reshaped from a single
// blocking function into a set of goroutines synchronized by one
// registry mutex, per the reshape spec §9 allows.
package swarm

import (
	"bufio"
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lvbealr/bittorrent-leecher/internal/logx"
	"github.com/lvbealr/bittorrent-leecher/internal/metainfo"
	"github.com/lvbealr/bittorrent-leecher/internal/peer"
	"github.com/lvbealr/bittorrent-leecher/internal/piece"
	"github.com/lvbealr/bittorrent-leecher/internal/tracker"
)

const (
	trackerRefreshInterval = 60 * time.Second
	reapInterval           = 5 * time.Second
	evictInterval          = 5 * time.Second
	progressInterval       = 1 * time.Second

	reapAge         = 30 * time.Second
	evictionBudget  = 16 * 1024 * 1024
	listenPort      = 6881
	maxInflightDial = 64 // semaphore cap on simultaneous tracker announces
	maxActivePeers  = 64 // semaphore cap on simultaneously running peer sessions
)

// Swarm owns every tracker, peer session and the piece store for one
// torrent download, and runs until every piece is on disk.
type Swarm struct {
	torrent *metainfo.Torrent
	store   *piece.Store
	peerID  [20]byte
	log     *logx.Logger

	trackers []*tracker.Tracker

	mu    sync.Mutex
	peers map[string]*peer.Session

	// peerSem bounds how many peer sessions run concurrently; admitPeers
	// spawns one goroutine per discovered address, but each blocks on
	// this semaphore before dialing, so fan-out never exceeds
	// maxActivePeers regardless of how many peers a tracker returns.
	peerSem *semaphore.Weighted

	bar *progressbar.ProgressBar
}

// New constructs a Swarm for t, backed by store, announcing with
// peerID. trackerListPath (may be empty) names an extra text file of
// one announce URL per line, per spec §6's environment clause.
func New(t *metainfo.Torrent, store *piece.Store, peerID [20]byte, trackerListPath string) *Swarm {
	urls := flattenAnnounceURLs(t, trackerListPath)

	s := &Swarm{
		torrent: t,
		store:   store,
		peerID:  peerID,
		log:     logx.New("swarm"),
		peers:   make(map[string]*peer.Session),
		peerSem: semaphore.NewWeighted(maxActivePeers),
		bar:     progressbar.NewOptions(store.NumPieces(), progressbar.OptionSetDescription(t.Name)),
	}
	for _, u := range urls {
		s.trackers = append(s.trackers, tracker.New(u))
	}
	return s
}

// flattenAnnounceURLs merges t.Announce, every tier of
// t.AnnounceList, and every non-blank line of trackerListPath into one
// deduplicated list, in that order of first appearance.
func flattenAnnounceURLs(t *metainfo.Torrent, trackerListPath string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}

	add(t.Announce)
	for _, tier := range t.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}

	if trackerListPath != "" {
		if f, err := os.Open(trackerListPath); err == nil {
			sc := bufio.NewScanner(f)
			for sc.Scan() {
				add(sc.Text())
			}
			f.Close()
		}
	}

	return out
}

// Run starts the tracker-refresh, reap, eviction and progress ticks
// and blocks until every piece is on disk or ctx is canceled.
func (s *Swarm) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.store.VerifyFromDisk()

	g, ctx := errgroup.WithContext(ctx)

	s.refreshTrackersAndAdmit(ctx, g)

	g.Go(func() error { return s.trackerRefreshLoop(ctx, g) })
	g.Go(func() error { return s.reapLoop(ctx) })
	g.Go(func() error { return s.evictLoop(ctx) })
	g.Go(func() error { return s.progressLoop(ctx, cancel) })

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (s *Swarm) trackerRefreshLoop(ctx context.Context, g *errgroup.Group) error {
	ticker := time.NewTicker(trackerRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.refreshTrackersAndAdmit(ctx, g)
		}
	}
}

// refreshTrackersAndAdmit announces to every tracker and launches a
// session for every newly seen peer address, deduplicated by
// "host:port" (spec §4.6's peer dedup rule).
func (s *Swarm) refreshTrackersAndAdmit(ctx context.Context, g *errgroup.Group) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxInflightDial)
	for _, tr := range s.trackers {
		wg.Add(1)
		sem <- struct{}{}
		go func(tr *tracker.Tracker) {
			defer wg.Done()
			defer func() { <-sem }()
			err := tr.UpdatePeers(tracker.Params{
				InfoHash: s.torrent.InfoHash,
				PeerID:   peerIDString(s.peerID),
				Port:     listenPort,
				Left:     s.torrent.TotalLength,
			})
			if err != nil {
				s.log.Fail("tracker %s: %v", tr.AnnounceURL, err)
				return
			}
			s.admitPeers(ctx, g, tr.Peers())
		}(tr)
	}
	wg.Wait()
}

func (s *Swarm) admitPeers(ctx context.Context, g *errgroup.Group, addrs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, addr := range addrs {
		if _, exists := s.peers[addr]; exists {
			continue
		}
		sess := peer.New(addr, s.torrent, s.store, s.peerID)
		s.peers[addr] = sess
		g.Go(func() error {
			if err := s.peerSem.Acquire(ctx, 1); err != nil {
				return nil
			}
			defer s.peerSem.Release(1)
			sess.Run(ctx)
			return nil
		})
	}
}

func (s *Swarm) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reapDeadPeers()
		}
	}
}

// reapDeadPeers removes every session that is not currently connected
// (never connected, or already dropped) and is older than reapAge, per
// spec §4.6.
func (s *Swarm) reapDeadPeers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-reapAge)
	for addr, sess := range s.peers {
		if !sess.Connected() && sess.CreatedAt().Before(cutoff) {
			delete(s.peers, addr)
		}
	}
}

func (s *Swarm) evictLoop(ctx context.Context) error {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.store.EvictIfOverBudget(evictionBudget)
		}
	}
}

func (s *Swarm) progressLoop(ctx context.Context, done context.CancelFunc) error {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			completed := s.store.CompletedCount()
			s.bar.Set(completed)
			if s.store.AllComplete() {
				s.log.Info("download finished: %s", s.torrent.Name)
				done()
				return nil
			}
		}
	}
}

// peerIDString renders a raw 20-byte peer id as the literal string the
// tracker query string expects.
func peerIDString(id [20]byte) string {
	return string(id[:])
}

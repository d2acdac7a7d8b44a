package swarm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lvbealr/bittorrent-leecher/internal/metainfo"
)

func TestFlattenAnnounceURLsDedupsAndAppendsTrackerFile(t *testing.T) {
	tr := &metainfo.Torrent{
		Announce: "http://a.example/announce",
		AnnounceList: [][]string{
			{"http://a.example/announce", "http://b.example/announce"},
			{"http://c.example/announce"},
		},
	}

	dir := t.TempDir()
	listPath := filepath.Join(dir, "externalTrackerList.txt")
	require.NoError(t, os.WriteFile(listPath, []byte("\nhttp://d.example/announce\n  \nhttp://b.example/announce\n"), 0o644))

	got := flattenAnnounceURLs(tr, listPath)
	require.Equal(t, []string{
		"http://a.example/announce",
		"http://b.example/announce",
		"http://c.example/announce",
		"http://d.example/announce",
	}, got)
}

func TestFlattenAnnounceURLsWithoutTrackerFile(t *testing.T) {
	tr := &metainfo.Torrent{Announce: "http://a.example/announce"}
	got := flattenAnnounceURLs(tr, "")
	require.Equal(t, []string{"http://a.example/announce"}, got)
}

func TestFlattenAnnounceURLsMissingTrackerFileIsIgnored(t *testing.T) {
	tr := &metainfo.Torrent{Announce: "http://a.example/announce"}
	got := flattenAnnounceURLs(tr, filepath.Join(t.TempDir(), "does-not-exist.txt"))
	require.Equal(t, []string{"http://a.example/announce"}, got)
}

func TestPeerIDStringRoundTrips(t *testing.T) {
	var id [20]byte
	copy(id[:], "-BT0001-000000000000")
	require.Equal(t, "-BT0001-000000000000", peerIDString(id))
}

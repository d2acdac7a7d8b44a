package tracker

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUpdatePeersCompactForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.RawQuery, "info_hash=%0A%00%00")
		require.Contains(t, r.URL.RawQuery, "port=6881")
		require.Contains(t, r.URL.RawQuery, "event=started")
		// compact peers: 10.0.0.1:6881
		fmt.Fprint(w, "d8:intervali1800e5:peers6:\x0a\x00\x00\x01\x1a\xe1e")
	}))
	defer srv.Close()

	tr := New(srv.URL)
	var hash [20]byte
	hash[0] = 0x0a
	err := tr.UpdatePeers(Params{InfoHash: hash, PeerID: "-BT0001-000000000000", Port: 6881, Left: 100})
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1:6881"}, tr.Peers())
}

func TestUpdatePeersDictionaryForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "d8:intervali900e5:peersld2:ip9:10.0.0.24:porti6882eeee")
	}))
	defer srv.Close()

	tr := New(srv.URL)
	err := tr.UpdatePeers(Params{PeerID: "-BT0001-000000000000", Port: 6881, Left: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.2:6882"}, tr.Peers())
}

func TestUpdatePeersFailureReasonRetainsPreviousList(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			fmt.Fprint(w, "d8:intervali900e5:peers6:\x0a\x00\x00\x01\x1a\xe1e")
			return
		}
		fmt.Fprint(w, "d14:failure reason11:no such keye")
	}))
	defer srv.Close()

	tr := New(srv.URL)
	require.NoError(t, tr.UpdatePeers(Params{PeerID: "x", Port: 6881}))
	require.Equal(t, []string{"10.0.0.1:6881"}, tr.Peers())

	err := tr.UpdatePeers(Params{PeerID: "x", Port: 6881})
	require.Error(t, err)
	require.Equal(t, []string{"10.0.0.1:6881"}, tr.Peers(), "previous peer list must be retained on failure")
}

func TestBuildURLExactTemplate(t *testing.T) {
	var hash [20]byte
	for i := range hash {
		hash[i] = byte(i)
	}
	got := buildURL("http://tracker.example/announce", Params{
		InfoHash: hash,
		PeerID:   "-BT0001-000000000000",
		Port:     6881,
		Left:     65536,
	})
	want := "http://tracker.example/announce?info_hash=%00%01%02%03%04%05%06%07%08%09%0A%0B%0C%0D%0E%0F%10%11%12%13" +
		"&peer_id=-BT0001-000000000000&port=6881&downloaded=0&uploaded=0&left=65536&event=started"
	require.Equal(t, want, got)
}

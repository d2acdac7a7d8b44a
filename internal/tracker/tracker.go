// Package tracker implements one HTTP tracker client per announce
// URL: it periodically GETs the announce URL and parses the bencoded
// "peers" field, in either compact or dictionary form. Adapted from
// the teacher's SendHTTPTrackerRequest, trimmed to the HTTP-only
// surface spec §4.5 calls for (the teacher also speaks the UDP
// tracker protocol, which spec.md never mentions and is dropped here —
// see DESIGN.md).
package tracker

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jackpal/bencode-go"
)

const requestTimeout = 10 * time.Second

// ErrTrackerFailure wraps a tracker's explicit "failure reason".
type ErrTrackerFailure struct {
	Reason string
}

func (e *ErrTrackerFailure) Error() string {
	return fmt.Sprintf("tracker: failure reason: %s", e.Reason)
}

type response struct {
	FailureReason string      `bencode:"failure reason"`
	Interval      int         `bencode:"interval"`
	Peers         interface{} `bencode:"peers"`
}

// Tracker polls one announce URL and caches its most recently
// returned peer list. Errors are logged by the caller and swallowed:
// UpdatePeers leaves the previous peer list in place on failure.
type Tracker struct {
	AnnounceURL string

	client *http.Client
	peers  []string
}

// New returns a Tracker for announceURL using a client with the
// spec-mandated 10-second timeout.
func New(announceURL string) *Tracker {
	return &Tracker{
		AnnounceURL: announceURL,
		client:      &http.Client{Timeout: requestTimeout},
	}
}

// Peers returns the most recently fetched peer address list, each
// formatted "host:port".
func (t *Tracker) Peers() []string {
	out := make([]string, len(t.peers))
	copy(out, t.peers)
	return out
}

// Params bundles the announce query parameters spec §6 requires.
type Params struct {
	InfoHash [20]byte
	PeerID   string
	Port     int
	Left     int64
}

// buildURL constructs the exact query string template from spec §6:
// every two hex characters of the uppercase info-hash digest prefixed
// with '%', joined with the remaining fixed parameters via '&'.
func buildURL(announceURL string, p Params) string {
	hexHash := fmt.Sprintf("%X", p.InfoHash[:])
	var escaped strings.Builder
	for i := 0; i < len(hexHash); i += 2 {
		escaped.WriteByte('%')
		escaped.WriteString(hexHash[i : i+2])
	}

	sep := "?"
	if strings.Contains(announceURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%sinfo_hash=%s&peer_id=%s&port=%d&downloaded=0&uploaded=0&left=%d&event=started",
		announceURL, sep, escaped.String(), url.QueryEscape(p.PeerID), p.Port, p.Left)
}

// UpdatePeers issues the announce GET and, on success, replaces the
// cached peer list. Any error (transport, non-200, decode, explicit
// failure reason, malformed peers field) is returned for the caller
// to log; the cached peer list is left untouched either way.
func (t *Tracker) UpdatePeers(p Params) error {
	req, err := http.NewRequest(http.MethodGet, buildURL(t.AnnounceURL, p), nil)
	if err != nil {
		return fmt.Errorf("tracker: building request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("tracker: GET %s: %w", t.AnnounceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tracker: %s returned status %d", t.AnnounceURL, resp.StatusCode)
	}

	var r response
	if err := bencode.Unmarshal(resp.Body, &r); err != nil {
		return fmt.Errorf("tracker: decoding response from %s: %w", t.AnnounceURL, err)
	}
	if r.FailureReason != "" {
		return &ErrTrackerFailure{Reason: r.FailureReason}
	}

	peers, err := parsePeers(r.Peers)
	if err != nil {
		return fmt.Errorf("tracker: parsing peers from %s: %w", t.AnnounceURL, err)
	}

	t.peers = peers
	return nil
}

// parsePeers accepts either the compact (6-byte-record binary string)
// or dictionary-list form of the "peers" key and normalizes both into
// "a.b.c.d:port" strings.
func parsePeers(raw interface{}) ([]string, error) {
	switch v := raw.(type) {
	case string:
		return parseCompactPeers([]byte(v))
	case []interface{}:
		return parseDictPeers(v)
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unrecognized peers field type %T", raw)
	}
}

func parseCompactPeers(buf []byte) ([]string, error) {
	if len(buf)%6 != 0 {
		return nil, fmt.Errorf("compact peers length %d not a multiple of 6", len(buf))
	}
	out := make([]string, 0, len(buf)/6)
	for i := 0; i < len(buf); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", buf[i], buf[i+1], buf[i+2], buf[i+3])
		port := int(buf[i+4])<<8 | int(buf[i+5])
		out = append(out, fmt.Sprintf("%s:%d", ip, port))
	}
	return out, nil
}

func parseDictPeers(list []interface{}) ([]string, error) {
	out := make([]string, 0, len(list))
	for _, entry := range list {
		m, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("peer dictionary entry has unexpected type %T", entry)
		}
		ip, _ := m["ip"].(string)
		var port int64
		switch pv := m["port"].(type) {
		case int64:
			port = pv
		case int:
			port = int64(pv)
		default:
			return nil, fmt.Errorf("peer dictionary entry has unexpected port type %T", m["port"])
		}
		if ip == "" {
			return nil, fmt.Errorf("peer dictionary entry missing ip")
		}
		out = append(out, fmt.Sprintf("%s:%d", ip, port))
	}
	return out, nil
}

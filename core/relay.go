package core

// relay.go implements the relay server: it accepts subscriber websocket
// connections, sends the dictionary handshake, then walks the archive
// forward from the requested cursor streaming raw compressed clusters,
// skipping tombstoned sequences and suppressing repeat sends of a cluster
// that covers several consecutive sequences.

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const relayProtocolVersion = 1

// RelayHandshake is the first JSON message sent to every subscriber.
type RelayHandshake struct {
	Version     int    `json:"version"`
	Compression string `json:"compression"`
	DictHash    string `json:"dict_hash"`
	Info        string `json:"info"`
}

// RelayConfig tunes the relay server.
type RelayConfig struct {
	MinSequence  uint64
	ShardCount   int
	RetryDelay   time.Duration
	Info         string
	// TailOnly, when set, makes a missing cursor query param start the
	// subscriber at the archive's current tip instead of its minimum
	// sequence (replay-from-genesis is the default; see DESIGN.md).
	TailOnly bool
}

// DefaultRelayConfig returns sensible defaults.
func DefaultRelayConfig(shardCount int) RelayConfig {
	return RelayConfig{
		MinSequence: 0,
		ShardCount:  shardCount,
		RetryDelay:  200 * time.Millisecond,
		Info:        "sovereign-archive relay",
	}
}

// RelayServer serves the archive to downstream subscribers over websocket.
type RelayServer struct {
	cfg        RelayConfig
	reader     *SegmentReader
	tombstones *TombstoneStore
	compr      *Compressor
	upgrader   websocket.Upgrader

	tipFunc func() uint64 // returns the highest known ingest sequence
}

// NewRelayServer constructs a relay server. tipFunc reports the archive's
// current high-water sequence, used only for TailOnly cursor defaulting.
func NewRelayServer(cfg RelayConfig, reader *SegmentReader, tombstones *TombstoneStore, compr *Compressor, tipFunc func() uint64) *RelayServer {
	return &RelayServer{
		cfg:        cfg,
		reader:     reader,
		tombstones: tombstones,
		compr:      compr,
		tipFunc:    tipFunc,
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 64 * 1024},
	}
}

// ServeHTTP upgrades the request to a websocket subscriber connection and
// begins streaming from the requested cursor.
func (s *RelayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cursor := s.parseCursor(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		relayLog.WithError(err).Warn("relay: upgrade failed")
		return
	}
	defer conn.Close()

	if err := s.handshake(conn); err != nil {
		relayLog.WithError(err).Warn("relay: handshake failed")
		return
	}

	s.streamFrom(conn, cursor)
}

func (s *RelayServer) parseCursor(r *http.Request) uint64 {
	raw := r.URL.Query().Get("cursor")
	if raw == "" {
		if s.cfg.TailOnly && s.tipFunc != nil {
			return s.tipFunc()
		}
		return s.cfg.MinSequence
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return s.cfg.MinSequence
	}
	return v
}

func (s *RelayServer) handshake(conn *websocket.Conn) error {
	dictHash := ""
	if dict := s.compr.Dict(); len(dict) > 0 {
		dictHash = hashHexPrefix(dict)
	}
	msg := RelayHandshake{
		Version:     relayProtocolVersion,
		Compression: "zstd",
		DictHash:    dictHash,
		Info:        s.cfg.Info,
	}
	if err := conn.WriteJSON(msg); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, s.compr.Dict())
}

func hashHexPrefix(b []byte) string {
	h := HashCanonicalCommit(b)
	return hexEncode(h[:8])
}

const hexDigits = "0123456789abcdef"

func hexEncode(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0xF]
	}
	return string(out)
}

// streamFrom walks sequences forward from cursor, sending raw compressed
// clusters while skipping tombstoned sequences and suppressing repeat sends
// of a cluster already transmitted for the previous sequence.
func (s *RelayServer) streamFrom(conn *websocket.Conn, cursor uint64) {
	seq := cursor
	var lastCluster []byte
	skipped := 0

	for {
		if s.tombstones != nil && s.tombstones.Is(seq) {
			skipped++
			seq++
			continue
		}

		cluster, found := s.fetchRawCluster(seq)
		if !found {
			s.reader.Rescan()
			time.Sleep(s.cfg.RetryDelay)
			cluster, found = s.fetchRawCluster(seq)
			if !found {
				time.Sleep(s.cfg.RetryDelay)
				continue
			}
		}

		if !bytesEqual(cluster, lastCluster) {
			if err := conn.WriteMessage(websocket.BinaryMessage, cluster); err != nil {
				relayLog.WithError(err).Debug("relay: write failed, subscriber gone")
				return
			}
			lastCluster = cluster
		}
		seq++
	}
}

// fetchRawCluster tries every shard for seq — only the shard the original
// author hashed to will hold a non-gap record at that global sequence, and
// the relay doesn't know which one without checking.
func (s *RelayServer) fetchRawCluster(seq uint64) ([]byte, bool) {
	for shard := 0; shard < s.cfg.ShardCount; shard++ {
		cluster, err := s.reader.GetRawClusterBySequence(shard, seq, s.tombstones)
		if err == nil {
			return cluster, true
		}
	}
	return nil, false
}

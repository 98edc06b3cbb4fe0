package core

// fanout.go implements the fanout client pool: a supervisor that keeps up to
// max_conns persistent websocket connections open against producer registry
// entries, applying the exponential penalty schedule and permanent blacklist
// rules, and forwarding every frame it reads to the verification stage over
// a bounded channel.

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"sovereign-archive/pkg/utils"
)

// RawFrame is one undecoded frame read off a producer connection, tagged
// with the registry index it came from so downstream verification can
// report back per-endpoint failures.
type RawFrame struct {
	EndpointIndex int
	Data          []byte
}

// FanoutConfig tunes the client pool supervisor.
type FanoutConfig struct {
	MaxConns        int
	WakeupInterval  time.Duration
	IdleKeepalive   time.Duration
	DialTimeout     time.Duration
	ConnectRatePerS float64
}

// DefaultFanoutConfig matches the component design's stated defaults.
func DefaultFanoutConfig() FanoutConfig {
	return FanoutConfig{
		MaxConns:        256,
		WakeupInterval:  5 * time.Second,
		IdleKeepalive:   20 * time.Second,
		DialTimeout:     10 * time.Second,
		ConnectRatePerS: 20,
	}
}

// FanoutPool supervises the producer connection workers.
type FanoutPool struct {
	cfg      FanoutConfig
	registry *ProducerRegistry
	blocked  *TombstoneStore // permanent blacklist, bit-per-registry-index
	cursors  *ResumeCursorStore

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	out chan RawFrame

	mu      sync.Mutex
	active  map[int]context.CancelFunc
	wg      sync.WaitGroup
}

// NewFanoutPool constructs a pool. out is the bounded channel workers push
// RawFrames into; it must be drained by the verification stage or workers
// will block (backpressure is intentional — frames are never dropped).
func NewFanoutPool(cfg FanoutConfig, registry *ProducerRegistry, blocked *TombstoneStore, cursors *ResumeCursorStore, out chan RawFrame) *FanoutPool {
	return &FanoutPool{
		cfg:      cfg,
		registry: registry,
		blocked:  blocked,
		cursors:  cursors,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConns)),
		limiter:  rate.NewLimiter(rate.Limit(cfg.ConnectRatePerS), 1),
		out:      out,
		active:   make(map[int]context.CancelFunc),
	}
}

// Run drives the supervisor loop until ctx is cancelled: on each wakeup tick
// it scans the registry for offline, non-blacklisted, non-penalized
// endpoints and spawns a worker for each, up to the concurrency ceiling.
func (p *FanoutPool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.WakeupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return
		case <-ticker.C:
			p.scanAndSpawn(ctx)
		}
	}
}

func (p *FanoutPool) scanAndSpawn(ctx context.Context) {
	now := time.Now()
	n := p.registry.Count()
	for i := 0; i < n; i++ {
		p.mu.Lock()
		_, running := p.active[i]
		p.mu.Unlock()
		if running {
			continue
		}
		if p.blocked.Is(uint64(i)) {
			continue
		}
		under, err := p.registry.UnderPenalty(i, now)
		if err != nil || under {
			continue
		}
		if !p.sem.TryAcquire(1) {
			return
		}
		if err := p.limiter.Wait(ctx); err != nil {
			p.sem.Release(1)
			return
		}
		workerCtx, cancel := context.WithCancel(ctx)
		p.mu.Lock()
		p.active[i] = cancel
		p.mu.Unlock()
		p.wg.Add(1)
		go p.runWorker(workerCtx, i)
	}
}

func (p *FanoutPool) finishWorker(index int) {
	p.mu.Lock()
	delete(p.active, index)
	p.mu.Unlock()
	p.sem.Release(1)
	p.wg.Done()
}

// runWorker implements the per-endpoint worker lifecycle: dial with resume
// cursor, handshake, read loop forwarding frames, idle keepalive, exit on
// first I/O error after recording the failure (and, where the error implies
// it, a permanent blacklist).
func (p *FanoutPool) runWorker(ctx context.Context, index int) {
	defer p.finishWorker(index)

	rec, err := p.registry.Get(index)
	if err != nil {
		return
	}

	cursor, haveCursor := p.cursors.Get(rec.URL)
	dialURL, blacklist, err := buildDialURL(rec.URL, cursor, haveCursor)
	if err != nil {
		fanoutLog.WithField("endpoint", rec.URL).WithError(err).Warn("fanout: unsupported endpoint url")
		if blacklist {
			p.blocked.Mark(uint64(index))
		}
		return
	}

	dialer := websocket.Dialer{HandshakeTimeout: p.cfg.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		p.handleFailure(index, rec.URL, resp, err)
		return
	}
	defer conn.Close()

	now := time.Now()
	if err := p.registry.RecordSuccess(index, now); err != nil {
		fanoutLog.WithError(err).Error("fanout: record success")
	}
	fanoutLog.WithField("endpoint", rec.URL).Info("fanout: connected")

	idle := time.NewTimer(p.cfg.IdleKeepalive)
	defer idle.Stop()
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(p.cfg.IdleKeepalive * 3))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				p.handleFailure(index, rec.URL, nil, err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		select {
		case p.out <- RawFrame{EndpointIndex: index, Data: data}:
		case <-ctx.Done():
			return
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(p.cfg.IdleKeepalive)

		select {
		case <-idle.C:
			conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		default:
		}
	}
}

// handleFailure records the failure against the registry and, where the
// error is unrecoverable by definition, marks the endpoint permanently
// blocked instead of letting it re-enter the penalty-and-retry cycle.
func (p *FanoutPool) handleFailure(index int, urlStr string, resp *http.Response, cause error) {
	now := time.Now()
	count, penaltyUntil, err := p.registry.RecordFailure(index, now)
	if err != nil {
		fanoutLog.WithError(err).Error("fanout: record failure")
		return
	}
	fanoutLog.WithFields(logrus.Fields{
		"endpoint": urlStr,
		"count":    count,
		"penalty":  penaltyUntil,
	}).Warn("fanout: endpoint failed")

	if isPermanentFailure(resp, cause) {
		if err := p.blocked.Mark(uint64(index)); err != nil {
			fanoutLog.WithError(err).Error("fanout: mark blacklist")
		}
		fanoutLog.WithField("endpoint", urlStr).Warn("fanout: endpoint permanently blocked")
	}
}

// isPermanentFailure implements the blacklist conditions: a 4xx other than
// 429, or a protocol upgrade refused with an HTTP 200. A 5xx response is
// never treated as permanent, however many failures the registry records.
func isPermanentFailure(resp *http.Response, cause error) bool {
	if resp == nil {
		return false
	}
	switch {
	case resp.StatusCode == http.StatusOK && cause == websocket.ErrBadHandshake:
		return true
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return true
	}
	return false
}

// buildDialURL rewrites urlStr's scheme to ws/wss and appends a resume
// cursor query parameter when one is known. An unsupported scheme is
// reported as a permanent blacklist condition, matching the component
// design's "unsupported URL scheme" blacklist trigger.
func buildDialURL(urlStr string, cursor uint64, ok bool) (string, bool, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return "", true, utils.Wrap(err, "fanout: parse url")
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", true, fmt.Errorf("fanout: unsupported scheme %q", u.Scheme)
	}
	if ok {
		q := u.Query()
		q.Set("cursor", strconv.FormatUint(cursor, 10))
		u.RawQuery = q.Encode()
	}
	return u.String(), false, nil
}

// ResumeCursorStore persists, per producer URL, the last producer sequence
// successfully forwarded, so a restarted worker can resume instead of
// replaying history the archive already has.
type ResumeCursorStore struct {
	mu   sync.Mutex
	path string
	data map[string]uint64
}

// OpenResumeCursorStore loads path's persisted cursor map, or starts empty
// if the file doesn't exist yet.
func OpenResumeCursorStore(path string) (*ResumeCursorStore, error) {
	s := &ResumeCursorStore{path: path, data: make(map[string]uint64)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, utils.Wrap(err, "resume cursor store: read")
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, utils.Wrap(err, "resume cursor store: decode")
	}
	return s, nil
}

// Get returns the last known cursor for url, if any.
func (s *ResumeCursorStore) Get(url string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[url]
	return v, ok
}

// Set records the latest forwarded sequence for url.
func (s *ResumeCursorStore) Set(url string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[url] = seq
}

// Save persists the cursor map to disk. Called at graceful shutdown; not on
// a hot path, so a plain JSON marshal-to-file is adequate.
func (s *ResumeCursorStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(s.data)
	if err != nil {
		return utils.Wrap(err, "resume cursor store: encode")
	}
	if err := os.WriteFile(s.path, raw, 0o644); err != nil {
		return utils.Wrap(err, "resume cursor store: write")
	}
	return nil
}

// Package broker implements the channel broker: live connection management,
// channel+key subscriptions with ownership checks, bounded backlog replay for
// late subscribers, and heartbeat/idle connection health.
package broker

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tgoebel/beacon/internal/event"
	"github.com/tgoebel/beacon/internal/job"
	"github.com/tgoebel/beacon/internal/metrics"
)

// ErrUnauthorized indicates a subscribe was refused by the ownership check.
// It is surfaced to the offending connection only.
var ErrUnauthorized = errors.New("unauthorized")

// shardCount splits the subscription and backlog maps so that mutations are
// serialized within a key but proceed in parallel across keys.
const shardCount = 16

// subKey identifies one channel+key subscription target.
type subKey struct {
	channel string
	key     string
}

type shard struct {
	mu       sync.Mutex
	subs     map[subKey]map[*Conn]struct{}
	backlogs map[subKey]*backlog
}

// Options configures the hub. Zero values pick the defaults below.
type Options struct {
	// RequireAuth refuses subscribes from connections with no verified
	// identity. Deployments without an auth layer leave it off.
	RequireAuth bool

	BacklogMaxCount   int           // default 50 events per channel+key
	BacklogMaxAge     time.Duration // default 10m
	HeartbeatInterval time.Duration // default 30s
	HeartbeatTimeout  time.Duration // default 75s
	IdleTimeout       time.Duration // default 10m
	SendBuffer        int           // default 64 events per connection
	WriteTimeout      time.Duration // default 10s
}

func (o Options) withDefaults() Options {
	if o.BacklogMaxCount <= 0 {
		o.BacklogMaxCount = 50
	}
	if o.BacklogMaxAge <= 0 {
		o.BacklogMaxAge = 10 * time.Minute
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 75 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 10 * time.Minute
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// Hub routes published events to subscribed connections and keeps the
// bounded backlog per channel+key for late subscribers.
type Hub struct {
	opts    Options
	log     *slog.Logger
	jobs    *job.Store
	metrics *metrics.Collector

	shards [shardCount]*shard

	mu       sync.Mutex
	conns    map[*Conn]struct{}
	shutdown bool
}

// NewHub creates a hub. jobs backs the ownership check for search-channel
// subscriptions; metrics may be nil.
func NewHub(jobs *job.Store, opts Options, log *slog.Logger, m *metrics.Collector) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		opts:    opts.withDefaults(),
		log:     log,
		jobs:    jobs,
		metrics: m,
		conns:   make(map[*Conn]struct{}),
	}
	for i := range h.shards {
		h.shards[i] = &shard{
			subs:     make(map[subKey]map[*Conn]struct{}),
			backlogs: make(map[subKey]*backlog),
		}
	}
	return h
}

func (h *Hub) shardFor(k subKey) *shard {
	f := fnv.New32a()
	f.Write([]byte(k.channel))
	f.Write([]byte{0})
	f.Write([]byte(k.key))
	return h.shards[f.Sum32()%shardCount]
}

// HandleConn registers an upgraded websocket connection and starts its
// pumps. Handshake-time authorization has already happened in the HTTP
// layer; the connection enters OPEN here.
func (h *Hub) HandleConn(ws *websocket.Conn, userID, sessionID string) *Conn {
	c := newConn(h, ws, userID, sessionID)

	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		c.setState(StateOpen)
		c.Close(websocket.CloseGoingAway, event.ReasonServerShutdown)
		return c
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	c.setState(StateOpen)
	go c.writePump()
	go c.readPump()

	h.log.Info("connection open", "client_id", c.ID, "user_id", userID, "session_id", sessionID)
	return c
}

// Subscribe authorizes and registers a subscription, then replays the
// backlog for the key. Registration and replay happen under the shard lock,
// so a subscriber can never observe a live event before the backlog entries
// that preceded it.
func (h *Hub) Subscribe(c *Conn, req event.SubscribeRequest) error {
	if err := h.authorize(c, req); err != nil {
		h.log.Info("subscribe refused", "client_id", c.ID, "channel", req.Channel, "key", req.Key())
		return err
	}

	k := subKey{channel: req.Channel, key: req.Key()}
	sh := h.shardFor(k)

	sh.mu.Lock()
	set, ok := sh.subs[k]
	if !ok {
		set = make(map[*Conn]struct{})
		sh.subs[k] = set
	}
	set[c] = struct{}{}

	var replay [][]byte
	if bl, ok := sh.backlogs[k]; ok {
		replay = bl.snapshot()
	}
	for _, data := range replay {
		if !c.enqueue(data) {
			// Buffer filled mid-replay; the client cannot be brought up to
			// date, drop it rather than deliver a gapped stream.
			sh.mu.Unlock()
			h.log.Warn("replay overflow, dropping connection", "client_id", c.ID, "key", k.key)
			go c.Close(websocket.CloseGoingAway, event.ReasonServerClose)
			return nil
		}
	}
	sh.mu.Unlock()

	c.addSub(k)
	h.log.Debug("subscribed", "client_id", c.ID, "channel", k.channel, "key", k.key, "replayed", len(replay))
	return nil
}

// authorize applies the ownership rules: search keys check the job record's
// owner, assistant keys require a direct session match. Keys with no
// recorded owner predate ownership tracking and are allowed.
func (h *Hub) authorize(c *Conn, req event.SubscribeRequest) error {
	if h.opts.RequireAuth && c.UserID == "" && c.SessionID == "" {
		return ErrUnauthorized
	}

	switch req.Channel {
	case event.ChannelSearch:
		j, err := h.jobs.Get(context.Background(), req.RequestID)
		if errors.Is(err, job.ErrNotFound) {
			return nil // unowned/legacy key
		}
		if err != nil {
			// Job record unreadable; the job-status view is allowed to be
			// stale without taking the notification path down with it.
			h.log.Warn("ownership check unavailable, allowing subscribe", "request_id", req.RequestID, "error", err)
			return nil
		}
		if !j.OwnedBy(c.UserID, c.SessionID) {
			return ErrUnauthorized
		}
	case event.ChannelAssistant:
		if c.SessionID != "" && c.SessionID != req.SessionID {
			return ErrUnauthorized
		}
	}
	return nil
}

// Publish appends the event to the key's backlog and forwards it to every
// live subscriber. A connection that cannot accept the event is dropped
// without affecting delivery to the others.
func (h *Hub) Publish(ctx context.Context, channel, key string, ev event.Event) error {
	start := time.Now()
	data, err := event.Marshal(ev)
	if err != nil {
		h.metrics.RecordFailure(metrics.OpPublish)
		return err
	}

	k := subKey{channel: channel, key: key}
	sh := h.shardFor(k)

	var stalled []*Conn
	sh.mu.Lock()
	bl, ok := sh.backlogs[k]
	if !ok {
		bl = newBacklog(h.opts.BacklogMaxCount, h.opts.BacklogMaxAge)
		sh.backlogs[k] = bl
	}
	bl.append(data)

	for c := range sh.subs[k] {
		if !c.enqueue(data) {
			stalled = append(stalled, c)
		}
	}
	sh.mu.Unlock()

	for _, c := range stalled {
		h.log.Warn("subscriber not keeping up, dropping", "client_id", c.ID, "channel", channel, "key", key)
		go c.Close(websocket.CloseGoingAway, event.ReasonServerClose)
	}

	h.metrics.RecordTiming(metrics.OpPublish, time.Since(start))
	return nil
}

// unregister removes the connection from the registry and all shards.
func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()

	for _, k := range c.subscriptions() {
		sh := h.shardFor(k)
		sh.mu.Lock()
		if set, ok := sh.subs[k]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(sh.subs, k)
			}
		}
		sh.mu.Unlock()
	}
}

// Run drives connection health checks until ctx is done. Connections that
// miss the heartbeat window are closed with HEARTBEAT_TIMEOUT; connections
// with no client activity for the idle window are closed with IDLE_TIMEOUT.
func (h *Hub) Run(ctx context.Context) {
	interval := h.opts.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.checkHealth()
		}
	}
}

func (h *Hub) checkHealth() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		switch {
		case c.sincePong() > h.opts.HeartbeatTimeout:
			h.log.Info("heartbeat timeout", "client_id", c.ID)
			c.Close(websocket.CloseGoingAway, event.ReasonHeartbeatTimeout)
		case c.sinceActivity() > h.opts.IdleTimeout:
			h.log.Info("idle timeout", "client_id", c.ID)
			c.Close(websocket.CloseGoingAway, event.ReasonIdleTimeout)
		}
	}
}

// Shutdown closes every open connection with SERVER_SHUTDOWN.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.shutdown = true
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, event.ReasonServerShutdown)
	}
	h.log.Info("hub shut down", "connections_closed", len(conns))
}

// ConnCount returns the number of registered connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

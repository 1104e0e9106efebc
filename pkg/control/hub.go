// Package control is the control plane of a node: it hands out test
// identifiers to clients, starts and stops throughput tests and routes their
// results back to the requester.
package control

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/irctrakz/tpmeter/pkg/core"
	"github.com/irctrakz/tpmeter/pkg/logging"
	"github.com/irctrakz/tpmeter/pkg/tp"
	"github.com/sirupsen/logrus"
)

var hubLog = logging.Component("hub")

const (
	maxClients        = 256
	resultChannelSize = 16
)

// ErrNoFreeUID is returned by Register when every test identifier is in use.
var ErrNoFreeUID = errors.New("no free test identifier")

// Meter is the part of the throughput meter driven by the hub.
type Meter interface {
	Start(uid uint8, dst core.Addr, testLength time.Duration) error
	Stop(dst core.Addr, reason tp.Status) error
	Sessions() []tp.SessionInfo
}

// Recorder stores finished results.
type Recorder interface {
	Record(r tp.Result) error
}

// Hub implements tp.Notifier. Sender results are delivered to the client
// whose identifier started the test; every result is passed to the
// recorder.
type Hub struct {
	mu       sync.Mutex
	meter    Meter
	recorder Recorder
	clients  map[uint8]*Client
	next     int

	dropped uint64
}

var _ tp.Notifier = (*Hub)(nil)

// NewHub creates a hub. recorder may be nil.
func NewHub(recorder Recorder) *Hub {
	return &Hub{
		recorder: recorder,
		clients:  make(map[uint8]*Client),
	}
}

// SetMeter attaches the meter the hub drives. The meter is created with the
// hub as its notifier, so it is attached after construction.
func (h *Hub) SetMeter(m Meter) {
	h.mu.Lock()
	h.meter = m
	h.mu.Unlock()
}

func (h *Hub) getMeter() (Meter, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.meter == nil {
		return nil, fmt.Errorf("no meter attached")
	}
	return h.meter, nil
}

// Register allocates a test identifier and returns a client owning it.
// Identifiers are handed out round robin so a released one is not reused
// right away.
func (h *Hub) Register() (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) >= maxClients {
		return nil, ErrNoFreeUID
	}
	for i := 0; i < maxClients; i++ {
		uid := uint8((h.next + i) % maxClients)
		if _, used := h.clients[uid]; used {
			continue
		}
		h.next = (int(uid) + 1) % maxClients
		c := &Client{
			hub:     h,
			uid:     uid,
			results: make(chan tp.Result, resultChannelSize),
		}
		h.clients[uid] = c
		hubLog.Debugf("Registered control client uid=%d", uid)
		return c, nil
	}
	return nil, ErrNoFreeUID
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c.uid] != c {
		return
	}
	delete(h.clients, c.uid)
	close(c.results)
	hubLog.Debugf("Released control client uid=%d", c.uid)
}

// Clients returns the number of registered clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Stop ends the test with dst.
func (h *Hub) Stop(dst core.Addr, reason tp.Status) error {
	m, err := h.getMeter()
	if err != nil {
		return err
	}
	return m.Stop(dst, reason)
}

// Sessions returns the sessions of the attached meter.
func (h *Hub) Sessions() []tp.SessionInfo {
	m, err := h.getMeter()
	if err != nil {
		return nil
	}
	return m.Sessions()
}

// Notify implements tp.Notifier.
func (h *Hub) Notify(r tp.Result) {
	if h.recorder != nil {
		if err := h.recorder.Record(r); err != nil {
			hubLog.Warnf("Failed to record result for %s: %v", r.Peer, err)
		}
	}

	if r.Role != tp.RoleSender {
		hubLog.WithFields(logrus.Fields{"peer": r.Peer, "uid": r.UID, "role": r.Role}).
			Infof("Receiver result: %s, %d bytes", r.Status, r.TotalBytes)
		return
	}
	h.deliver(r)
}

func (h *Hub) deliver(r tp.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[r.UID]
	if !ok {
		h.dropped++
		hubLog.Debugf("No client for result uid=%d peer=%s", r.UID, r.Peer)
		return
	}
	select {
	case c.results <- r:
	default:
		h.dropped++
		hubLog.Warnf("Result channel of client uid=%d full, dropping result for %s", r.UID, r.Peer)
	}
}

// Dropped returns the number of results no client received.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Client owns one test identifier.
type Client struct {
	hub     *Hub
	uid     uint8
	results chan tp.Result
	once    sync.Once
}

// UID returns the test identifier of the client.
func (c *Client) UID() uint8 {
	return c.uid
}

// Results returns the channel results of the client's tests arrive on. It
// is closed by Close.
func (c *Client) Results() <-chan tp.Result {
	return c.results
}

// Start starts a test towards dst. When the meter refuses the test, the
// failure is also delivered on Results as an error result.
func (c *Client) Start(dst core.Addr, testLength time.Duration) error {
	err := c.start(dst, testLength)
	if err != nil {
		c.hub.deliver(tp.Result{
			UID:    c.uid,
			Peer:   dst,
			Role:   tp.RoleSender,
			Status: tp.StatusOf(err),
		})
	}
	return err
}

func (c *Client) start(dst core.Addr, testLength time.Duration) error {
	m, err := c.hub.getMeter()
	if err != nil {
		return err
	}
	return m.Start(c.uid, dst, testLength)
}

// Close releases the identifier.
func (c *Client) Close() {
	c.once.Do(func() { c.hub.unregister(c) })
}

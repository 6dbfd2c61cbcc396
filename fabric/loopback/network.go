// Package loopback implements fabric.Provider entirely in memory. A Network
// hosts stub peers that speak the server half of the write-and-notify
// protocol, so clients can be exercised end to end without RDMA hardware.
//
// The provider keeps reliable-connection ordering: a one-sided write is
// visible in the peer's memory before any later send on the same queue pair
// is delivered. Completion notification follows verbs semantics: arming is
// one-shot and only completions added after RequestNotify fire it, so a
// consumer must drain the queue after every re-arm.
package loopback

import (
	"fmt"
	"sync"

	"github.com/rocketbitz/rdmawrite-go/fabric"
)

const (
	resourceEventChannel = "event_channel"
	resourceID           = "id"
	resourcePD           = "pd"
	resourceCompChannel  = "comp_channel"
	resourceCQ           = "cq"
	resourceMR           = "mr"
	resourceQP           = "qp"
)

// Live counts the provider resources that are currently allocated.
type Live struct {
	EventChannels int
	IDs           int
	PDs           int
	CompChannels  int
	CQs           int
	MRs           int
	QPs           int
}

// Zero reports whether every resource has been released.
func (l Live) Zero() bool {
	return l == Live{}
}

// Entry is a data-path journal record.
type Entry struct {
	Op     string
	ID     uint64
	Opcode fabric.Opcode
	Status fabric.Status
}

// Journal operations.
const (
	OpPostRecv       = "post_recv"
	OpPostSend       = "post_send"
	OpPoll           = "poll"
	OpWriteLanded    = "write_landed"
	OpNotifyReceived = "notify_received"
	OpAnswerSent     = "answer_sent"
)

// Network is a set of in-memory listeners reachable by loopback providers.
type Network struct {
	mu       sync.Mutex
	peers    map[string]*Peer
	regions  map[uint32]*remoteRegion
	nextKey  uint32
	nextAddr uint64

	live     Live
	releases []string
	invalid  []string
	journal  []Entry
}

type remoteRegion struct {
	buf    []byte
	addr   uint64
	access fabric.Access
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{
		peers:    make(map[string]*Peer),
		regions:  make(map[uint32]*remoteRegion),
		nextKey:  0x1000,
		nextAddr: 0x7f3a00001000,
	}
}

// Listen registers a stub peer reachable at addr (host:port).
func (n *Network) Listen(addr string, cfg PeerConfig) (*Peer, error) {
	if addr == "" {
		return nil, fmt.Errorf("loopback listen: address required")
	}
	if cfg.Compute == nil {
		cfg.Compute = Sum
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.peers[addr]; exists {
		return nil, fmt.Errorf("loopback listen %s: address in use", addr)
	}
	peer := &Peer{net: n, addr: addr, cfg: cfg}
	n.peers[addr] = peer
	return peer, nil
}

// Provider returns a fabric.Provider attached to the network. faults inject
// failures into the client-side resources it creates.
func (n *Network) Provider(faults Faults) fabric.Provider {
	return &provider{net: n, faults: faults}
}

// Live returns a snapshot of allocated provider resources.
func (n *Network) Live() Live {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.live
}

// Releases returns the resources released so far, in order.
func (n *Network) Releases() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.releases...)
}

// InvalidReleases returns release attempts on resources that were never
// acquired or were already released.
func (n *Network) InvalidReleases() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.invalid...)
}

// Journal returns the data-path journal.
func (n *Network) Journal() []Entry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Entry(nil), n.journal...)
}

func (n *Network) acquire(resource string) {
	switch resource {
	case resourceEventChannel:
		n.live.EventChannels++
	case resourceID:
		n.live.IDs++
	case resourcePD:
		n.live.PDs++
	case resourceCompChannel:
		n.live.CompChannels++
	case resourceCQ:
		n.live.CQs++
	case resourceMR:
		n.live.MRs++
	case resourceQP:
		n.live.QPs++
	}
}

func (n *Network) release(resource string) {
	n.releases = append(n.releases, resource)
	switch resource {
	case resourceEventChannel:
		n.live.EventChannels--
	case resourceID:
		n.live.IDs--
	case resourcePD:
		n.live.PDs--
	case resourceCompChannel:
		n.live.CompChannels--
	case resourceCQ:
		n.live.CQs--
	case resourceMR:
		n.live.MRs--
	case resourceQP:
		n.live.QPs--
	}
}

func (n *Network) invalidRelease(resource string) error {
	n.invalid = append(n.invalid, resource)
	return fabric.ErrInvalidHandle{Resource: resource}
}

func (n *Network) record(e Entry) {
	n.journal = append(n.journal, e)
}

func (n *Network) allocKey() uint32 {
	n.nextKey++
	return n.nextKey
}

func (n *Network) allocAddr(size int) uint64 {
	addr := n.nextAddr
	span := (uint64(size) + 0xfff) &^ 0xfff
	if span == 0 {
		span = 0x1000
	}
	n.nextAddr += span
	return addr
}

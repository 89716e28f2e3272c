// Package packetpool implements the fixed-capacity, DMA-capable packet
// arena from spec.md §3/§4.1: a fixed array of Packets allocated once and
// distributed round-robin to streams through get()/put(). The free list is
// a buffered channel of arena indices — the same bounded-channel-as-queue
// idiom the teacher relay uses for its video/audio pacer channels
// (pkg/bridge/pacer.go), here used as a lock-free-ish semaphore over a
// fixed backing array instead of per-packet heap allocation.
package packetpool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/openavb/avbstreamhandler/pkg/avberr"
	"github.com/sigurn/crc16"
	"github.com/sigurn/crc8"
)

var (
	headerCRCTable  = crc8.MakeTable(crc8.CRC8)
	payloadCRCTable = crc16.MakeTable(crc16.CRC16_MODBUS)
)

// MaxFrameSize bounds every Packet's buffer; 1522 covers a VLAN-tagged
// standard Ethernet frame (the core never carries jumbo AVTP frames).
const MaxFrameSize = 1522

// Packet is a fixed-capacity byte buffer plus the metadata spec.md §3
// names: payload_len, launch_time_ns, flags, and a back-pointer
// (pool_index) for O(1) return.
type Packet struct {
	Buf           [MaxFrameSize]byte
	PayloadLen    int
	LaunchTimeNs  uint64
	Dummy         bool // flags.dummy: filler packet used to pace the shaper
	HeaderCRC     byte
	PayloadCRC    uint16
	poolIndex     int
	inFlight      atomic.Bool
}

// Data returns the populated slice of Buf.
func (p *Packet) Data() []byte { return p.Buf[:p.PayloadLen] }

// Pool is the fixed array of Packets described in spec.md §4.1. Invariant:
// |free| + |in_flight_across_all_streams| == capacity, enforced by the
// fact that every Packet is reachable from exactly one of: the free
// channel, a caller's held reference (implicitly "in flight"), or — after
// ResetAll — back on the free channel again.
type Pool struct {
	mu       sync.Mutex
	packets  []*Packet
	free     chan int
	capacity int
	// generation increments on every ResetAll so that Put calls referring
	// to a packet from a stale generation are silently ignored instead of
	// double-freeing a slot a later generation has already reissued.
	generation atomic.Uint64
	ownerGen   []uint64
}

// New allocates a Pool of the given capacity. Packets are allocated once,
// up front, never resized — "DMA-mapped where required" in spec.md terms
// means their backing array's address is stable for the Pool's lifetime,
// which a pre-sized Go slice of structs already guarantees.
func New(capacity int) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	p := &Pool{
		packets:  make([]*Packet, capacity),
		free:     make(chan int, capacity),
		capacity: capacity,
		ownerGen: make([]uint64, capacity),
	}
	for i := 0; i < capacity; i++ {
		pkt := &Packet{poolIndex: i}
		p.packets[i] = pkt
		p.free <- i
	}
	return p
}

// Capacity returns the pool's fixed size.
func (p *Pool) Capacity() int { return p.capacity }

// FreeCount returns the number of packets currently on the free list
// (racy by nature — intended for diagnostics, not control flow).
func (p *Pool) FreeCount() int { return len(p.free) }

// Get removes one Packet from the free list, or returns PoolExhausted.
func (p *Pool) Get() (*Packet, error) {
	select {
	case idx := <-p.free:
		pkt := p.packets[idx]
		pkt.PayloadLen = 0
		pkt.LaunchTimeNs = 0
		pkt.Dummy = false
		pkt.inFlight.Store(true)
		p.ownerGen[idx] = p.generation.Load()
		return pkt, nil
	default:
		return nil, avberr.New(avberr.NoSpaceLeft, "packet pool exhausted")
	}
}

// Put returns a Packet to the free list. Putting a Packet that belongs to
// a generation ResetAll has already superseded is a no-op: the slot was
// already force-returned, and the caller's handle is — per spec.md §4.1 —
// invalid from that point on.
func (p *Pool) Put(pkt *Packet) {
	if pkt == nil {
		return
	}
	p.mu.Lock()
	gen := p.generation.Load()
	stale := p.ownerGen[pkt.poolIndex] != gen
	wasInFlight := pkt.inFlight.CompareAndSwap(true, false)
	p.mu.Unlock()

	if stale || !wasInFlight {
		return
	}
	p.free <- pkt.poolIndex
}

// ResetAll force-returns every outstanding packet to the free list and
// bumps the generation counter, invalidating any handle a caller is still
// holding (spec.md §4.1: "callers must treat any previously held handle as
// invalid"). Drains the current free list first so it isn't double-filled.
func (p *Pool) ResetAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.generation.Add(1)
	for _, pkt := range p.packets {
		pkt.inFlight.Store(false)
	}

	// Drain whatever is currently queued, then refill exactly `capacity`
	// indices so the free-list length invariant holds regardless of how
	// many packets were in flight.
	for {
		select {
		case <-p.free:
		default:
			goto drained
		}
	}
drained:
	for i := 0; i < p.capacity; i++ {
		p.free <- i
	}
}

// Stamp records header and payload checksums for pkt, called once a
// stream's PreparePacket has finished writing pkt.Buf[:pkt.PayloadLen].
// headerLen bounds the AVTP common header the header checksum covers
// separately from the full-frame payload checksum.
func (p *Pool) Stamp(pkt *Packet, headerLen int) {
	if headerLen > pkt.PayloadLen {
		headerLen = pkt.PayloadLen
	}
	pkt.HeaderCRC = crc8.Checksum(pkt.Buf[:headerLen], headerCRCTable)
	pkt.PayloadCRC = crc16.Checksum(pkt.Data(), payloadCRCTable)
}

// Verify reports whether pkt's contents still match the checksums Stamp
// recorded — the descriptor self-test a sequencer runs right before
// handing a packet to the NIC, to catch buffer corruption between
// PreparePacket and actual launch.
func (p *Pool) Verify(pkt *Packet, headerLen int) bool {
	if headerLen > pkt.PayloadLen {
		headerLen = pkt.PayloadLen
	}
	return pkt.HeaderCRC == crc8.Checksum(pkt.Buf[:headerLen], headerCRCTable) &&
		pkt.PayloadCRC == crc16.Checksum(pkt.Data(), payloadCRCTable)
}

// String renders a short diagnostic summary.
func (p *Pool) String() string {
	return fmt.Sprintf("packetpool(capacity=%d free=%d)", p.capacity, len(p.free))
}

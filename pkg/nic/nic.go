// Package nic implements the NIC driver contract spec.md §1/§6 assumes:
// per-queue transmit with a hardware launch time, TX descriptor reclaim,
// 802.1Qav shaper register programming, auxiliary timestamp capture, and
// flexible receive filters. The real target is Intel i210-class hardware;
// this package ships a raw-AF_PACKET-socket reference implementation with a
// simulated launch-time-ordered descriptor ring standing in for the NIC's
// own hardware queue, grounded on the teacher relay's priority-heap queue
// (pkg/nest/queue.go) for the ring's ordering and on
// golang.org/x/sys/unix for the socket/ioctl surface other example repos
// in the pack use for raw-packet I/O.
package nic

import (
	"container/heap"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/openavb/avbstreamhandler/pkg/packetpool"
	"golang.org/x/sys/unix"
)

// NumFlexFilters is the number of flexible receive filters spec.md §6
// names ("8 flexible receive filters").
const NumFlexFilters = 8

// Driver is the NIC abstraction every TX sequencer, RX engine, and
// HwCapture worker programs against.
type Driver interface {
	// SendBatch hands packets to queueIdx's hardware ring for launch-time
	// release. It must not block; a full ring returns ErrRingFull.
	SendBatch(queueIdx int, packets []*packetpool.Packet) error
	// Reclaim returns packets the hardware has finished transmitting,
	// removing them from the in-flight ring.
	Reclaim(queueIdx int) []*packetpool.Packet
	// SetShaper programs the 802.1Qav credit-based shaper for queueIdx.
	SetShaper(queueIdx int, idleSlopeKbps uint64, hiCreditBytes int64) error
	// ReadRX reads one frame into buf, returning its length. It respects
	// the deadline set by SetRXDeadline.
	ReadRX(buf []byte) (int, error)
	// SetRXDeadline bounds the next ReadRX call, the socket-mode analogue
	// of spec.md §4.6's "recv with a configurable idle-wait timeout".
	SetRXDeadline(d time.Duration) error
	// SetFilter programs flexible filter idx to match frames whose AVTP
	// stream ID equals streamID; ClearFilter frees it.
	SetFilter(idx int, streamID uint64) error
	ClearFilter(idx int) error
	// MatchFilters reports which, if any, programmed filter a raw frame's
	// stream ID (read at the fixed AVTP offset) satisfies — the software
	// equivalent of the direct-DMA path's hardware filter match used by
	// pkg/rxengine's direct-DMA mode.
	MatchFilters(frame []byte) (filterIdx int, matched bool)
	// AuxTimestamp returns an edge source driven by the given auxiliary
	// timestamp register, consumed by pkg/clockdomain's HwCapture worker.
	AuxTimestamp(registerIdx int, nominalPeriodNs float64) (*AuxEdgeSource, error)
	Close() error
}

// ErrRingFull is returned by SendBatch when a queue's simulated descriptor
// ring has no room, the software analogue of the hardware ring being full.
var ErrRingFull = fmt.Errorf("nic: tx ring full")

// MulticastJoiner is an optional capability a Driver may implement to back
// spec.md §4.6's "Multicast group membership (bind_mcast) is acquired at
// stream creation and released at destruction." pkg/rxengine type-asserts
// for it and no-ops when absent (e.g. against a fake in tests).
type MulticastJoiner interface {
	JoinMulticastMAC(mac [6]byte) error
	LeaveMulticastMAC(mac [6]byte) error
}

const avtpStreamIDOffset = 18 + 4 // ethernet+vlan header, then subtype+flags+seq+tu

// txDescriptor pairs a packet with its launch time for the ring's
// launch-time-ordered release, mirroring pkg/nest/queue.go's ticketHeap.
type txDescriptor struct {
	pkt    *packetpool.Packet
	launch uint64
	index  int
}

type txHeap []*txDescriptor

func (h txHeap) Len() int            { return len(h) }
func (h txHeap) Less(i, j int) bool  { return h[i].launch < h[j].launch }
func (h txHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *txHeap) Push(x interface{}) {
	d := x.(*txDescriptor)
	d.index = len(*h)
	*h = append(*h, d)
}
func (h *txHeap) Pop() interface{} {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return d
}

type txQueue struct {
	mu        sync.Mutex
	pending   txHeap // launch-time ordered, not yet released
	completed []*packetpool.Packet
	capacity  int
}

// RawSocketDriver is the reference Driver: a real AF_PACKET socket for
// actually moving bytes on the wire, plus an in-process simulated
// descriptor ring (since no i210 launch-time hardware is addressable from
// userspace Go) that releases queued packets once the driver's notion of
// "now" reaches their launch time.
type RawSocketDriver struct {
	fd        int
	ifIndex   int
	mu        sync.Mutex
	queues    map[int]*txQueue
	filters   [NumFlexFilters]uint64
	filterSet [NumFlexFilters]bool
	nowFn     func() uint64
	shapers   map[int]shaperState
}

type shaperState struct {
	idleSlopeKbps uint64
	hiCreditBytes int64
}

// NewRawSocketDriver opens an AF_PACKET socket bound to ifIndex (obtained
// via net.InterfaceByName), ready to send/receive raw AVTP frames. nowFn
// supplies the clock the simulated ring compares launch times against
// (normally a gptp.Clock's LocalTime).
func NewRawSocketDriver(ifIndex int, nowFn func() uint64) (*RawSocketDriver, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, htons(unix.ETH_P_ALL))
	if err != nil {
		return nil, fmt.Errorf("nic: open AF_PACKET socket: %w", err)
	}
	addr := unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ALL), Ifindex: ifIndex}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("nic: bind AF_PACKET socket: %w", err)
	}
	return &RawSocketDriver{
		fd:      fd,
		ifIndex: ifIndex,
		queues:  make(map[int]*txQueue),
		nowFn:   nowFn,
		shapers: make(map[int]shaperState),
	}, nil
}

func htons(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}

func (d *RawSocketDriver) queue(idx int) *txQueue {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[idx]
	if !ok {
		q = &txQueue{capacity: 256}
		heap.Init(&q.pending)
		d.queues[idx] = q
	}
	return q
}

// SendBatch enqueues packets for launch-time-ordered release. Release
// itself happens lazily inside Reclaim, mirroring real hardware
// autonomously releasing descriptors once its clock reaches launch_time.
func (d *RawSocketDriver) SendBatch(queueIdx int, packets []*packetpool.Packet) error {
	q := d.queue(queueIdx)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending.Len()+len(packets) > q.capacity {
		return ErrRingFull
	}
	for _, p := range packets {
		heap.Push(&q.pending, &txDescriptor{pkt: p, launch: p.LaunchTimeNs})
	}
	return nil
}

// Reclaim releases every descriptor whose launch time has passed: it
// writes the frame to the wire, then moves it to the completed list for
// the caller to return to the packet pool.
func (d *RawSocketDriver) Reclaim(queueIdx int) []*packetpool.Packet {
	q := d.queue(queueIdx)
	now := d.nowFn()

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.pending.Len() > 0 && q.pending[0].launch <= now {
		desc := heap.Pop(&q.pending).(*txDescriptor)
		_, _ = unix.Write(d.fd, desc.pkt.Data()) // best-effort: a real NIC drops silently on PHY link-down too
		q.completed = append(q.completed, desc.pkt)
	}

	done := q.completed
	q.completed = nil
	return done
}

// SetShaper records the 802.1Qav credit parameters for diagnostics; a real
// driver writes these into the igb TQAVCC/TQAVHC registers.
func (d *RawSocketDriver) SetShaper(queueIdx int, idleSlopeKbps uint64, hiCreditBytes int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shapers[queueIdx] = shaperState{idleSlopeKbps: idleSlopeKbps, hiCreditBytes: hiCreditBytes}
	return nil
}

// ReadRX reads one frame from the bound socket.
func (d *RawSocketDriver) ReadRX(buf []byte) (int, error) {
	n, _, err := unix.Recvfrom(d.fd, buf, 0)
	return n, err
}

// SetRXDeadline bounds the next ReadRX via SO_RCVTIMEO.
func (d *RawSocketDriver) SetRXDeadline(dl time.Duration) error {
	tv := unix.NsecToTimeval(dl.Nanoseconds())
	return unix.SetsockoptTimeval(d.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}

// SetFilter programs flexible filter idx.
func (d *RawSocketDriver) SetFilter(idx int, streamID uint64) error {
	if idx < 0 || idx >= NumFlexFilters {
		return fmt.Errorf("nic: filter index %d out of range", idx)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filters[idx] = streamID
	d.filterSet[idx] = true
	return nil
}

// ClearFilter frees flexible filter idx.
func (d *RawSocketDriver) ClearFilter(idx int) error {
	if idx < 0 || idx >= NumFlexFilters {
		return fmt.Errorf("nic: filter index %d out of range", idx)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filterSet[idx] = false
	return nil
}

// MatchFilters reads the AVTP stream ID at its fixed frame offset and
// compares it against every programmed filter.
func (d *RawSocketDriver) MatchFilters(frame []byte) (int, bool) {
	if len(frame) < avtpStreamIDOffset+8 {
		return 0, false
	}
	streamID := binary.BigEndian.Uint64(frame[avtpStreamIDOffset : avtpStreamIDOffset+8])

	d.mu.Lock()
	defer d.mu.Unlock()
	for i, set := range d.filterSet {
		if set && d.filters[i] == streamID {
			return i, true
		}
	}
	return 0, false
}

// AuxTimestamp returns a ticker-driven edge source simulating an SDP-pin
// capture register toggling at nominalPeriodNs.
func (d *RawSocketDriver) AuxTimestamp(registerIdx int, nominalPeriodNs float64) (*AuxEdgeSource, error) {
	if registerIdx < 0 {
		return nil, fmt.Errorf("nic: invalid aux timestamp register %d", registerIdx)
	}
	return newAuxEdgeSource(nominalPeriodNs, d.nowFn), nil
}

// Close releases the underlying socket.
func (d *RawSocketDriver) Close() error {
	return unix.Close(d.fd)
}

// JoinMulticastMAC adds a PACKET_MR_MULTICAST membership for mac on this
// socket's interface, satisfying MulticastJoiner.
func (d *RawSocketDriver) JoinMulticastMAC(mac [6]byte) error {
	mreq := unix.PacketMreq{
		Ifindex: int32(d.ifIndex),
		Type:    unix.PACKET_MR_MULTICAST,
		Alen:    6,
	}
	copy(mreq.Address[:], mac[:])
	return unix.SetsockoptPacketMreq(d.fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, &mreq)
}

// LeaveMulticastMAC drops a previously joined membership.
func (d *RawSocketDriver) LeaveMulticastMAC(mac [6]byte) error {
	mreq := unix.PacketMreq{
		Ifindex: int32(d.ifIndex),
		Type:    unix.PACKET_MR_MULTICAST,
		Alen:    6,
	}
	copy(mreq.Address[:], mac[:])
	return unix.SetsockoptPacketMreq(d.fd, unix.SOL_PACKET, unix.PACKET_DROP_MEMBERSHIP, &mreq)
}

// AuxEdgeSource implements clockdomain.EdgeSource by firing at
// (approximately) nominalPeriodNs intervals, the software stand-in for an
// SDP0-rising-edge auxiliary timestamp capture register.
type AuxEdgeSource struct {
	period time.Duration
	nowFn  func() uint64
}

func newAuxEdgeSource(nominalPeriodNs float64, nowFn func() uint64) *AuxEdgeSource {
	return &AuxEdgeSource{period: time.Duration(nominalPeriodNs), nowFn: nowFn}
}

// WaitEdge blocks for one nominal period and reports the driver's current
// time, satisfying pkg/clockdomain.EdgeSource.
func (a *AuxEdgeSource) WaitEdge(ctx context.Context) (uint64, bool) {
	t := time.NewTimer(a.period)
	defer t.Stop()
	select {
	case <-t.C:
		if a.nowFn != nil {
			return a.nowFn(), true
		}
		return uint64(time.Now().UnixNano()), true
	case <-ctx.Done():
		return 0, false
	}
}

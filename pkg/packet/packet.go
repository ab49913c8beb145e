// Package packet implements the framed packet codec and the outgoing
// packet queue of the master connection. Every packet on the wire is
// type:u32 | length:u32 | payload[length], all integers big-endian.
package packet

import (
	"github.com/samsamfire/gometalogger/internal/pack"
)

const HeaderSize = 8

// Packet is a single outgoing frame. It owns its byte buffer, header
// included, and carries a cursor tracking how much of it was already
// accepted by the socket.
type Packet struct {
	data []byte
	pos  int
}

// New allocates a packet of the given type and payload size with the
// framing header already encoded. The payload is filled through Writer.
func New(typ uint32, size uint32) *Packet {
	p := &Packet{data: make([]byte, HeaderSize+int(size))}
	w := pack.NewWriter(p.data)
	w.PutUint32(typ)
	w.PutUint32(size)
	return p
}

// Writer returns a writer positioned at the start of the payload.
func (p *Packet) Writer() *pack.Writer {
	return pack.NewWriter(p.data[HeaderSize:])
}

// Bytes returns the full frame, header included.
func (p *Packet) Bytes() []byte {
	return p.data
}

// Remaining returns the part of the frame not yet written to the socket.
func (p *Packet) Remaining() []byte {
	return p.data[p.pos:]
}

// Advance moves the cursor by the number of bytes the socket accepted.
func (p *Packet) Advance(n int) {
	p.pos += n
}

// Done reports whether the whole frame has been written out.
func (p *Packet) Done() bool {
	return p.pos == len(p.data)
}

// DecodeHeader decodes the 8 byte framing header.
func DecodeHeader(hdr []byte) (typ uint32, size uint32) {
	r := pack.NewReader(hdr[:HeaderSize])
	return r.Uint32(), r.Uint32()
}

// Queue is the FIFO of outgoing packets. The head packet is the one
// currently being written; packets leave the socket in exact push order.
type Queue struct {
	packets []*Packet
}

func (q *Queue) Push(p *Packet) {
	q.packets = append(q.packets, p)
}

// Front returns the packet currently being written, or nil.
func (q *Queue) Front() *Packet {
	if len(q.packets) == 0 {
		return nil
	}
	return q.packets[0]
}

// Pop unlinks the head packet once fully written.
func (q *Queue) Pop() {
	q.packets[0] = nil
	q.packets = q.packets[1:]
}

func (q *Queue) Empty() bool {
	return len(q.packets) == 0
}

func (q *Queue) Len() int {
	return len(q.packets)
}

// Reset drops all queued packets.
func (q *Queue) Reset() {
	q.packets = nil
}

package audio

import "encoding/binary"

// Device packets carry a 3-byte header: a little-endian 16-bit sequence index
// and a 1-byte intra-frame index. A full Opus frame spans every packet from an
// intra-frame index of 0 up to (but not including) the next 0.
const packetHeaderSize = 3

// FrameAssembler reconstructs Opus frames from the device packet stream and
// counts losses. Any sequence or intra-frame discontinuity drops the pending
// frame; the assembler never returns an error to the caller.
type FrameAssembler struct {
	pending      []byte
	lastSeq      uint16
	lastInternal uint8
	havePending  bool
	lostFrames   int
}

// NewFrameAssembler returns an assembler with no pending frame.
func NewFrameAssembler() *FrameAssembler {
	return &FrameAssembler{}
}

// Push consumes one device packet. It returns a complete Opus frame when the
// packet's intra-frame index resets to 0 and a frame was pending, or nil.
func (f *FrameAssembler) Push(packet []byte) []byte {
	if len(packet) <= packetHeaderSize {
		return nil
	}

	seq := binary.LittleEndian.Uint16(packet[0:2])
	internal := packet[2]
	payload := packet[packetHeaderSize:]

	if internal == 0 {
		var complete []byte
		if f.havePending {
			if seq != f.lastSeq+1 {
				// Packets went missing after the pending frame's tail.
				f.dropPending()
			} else {
				complete = f.pending
			}
		}
		f.pending = append([]byte(nil), payload...)
		f.havePending = true
		f.lastSeq = seq
		f.lastInternal = 0
		return complete
	}

	if !f.havePending || seq != f.lastSeq+1 || internal != f.lastInternal+1 {
		f.dropPending()
		return nil
	}

	f.pending = append(f.pending, payload...)
	f.lastSeq = seq
	f.lastInternal = internal
	return nil
}

// Flush returns the pending frame, if any, at end of stream.
func (f *FrameAssembler) Flush() []byte {
	if !f.havePending {
		return nil
	}
	frame := f.pending
	f.pending = nil
	f.havePending = false
	return frame
}

func (f *FrameAssembler) dropPending() {
	if f.havePending {
		f.lostFrames++
	}
	f.pending = nil
	f.havePending = false
}

// LostFrames reports how many frames were discarded due to packet loss or
// decode failures recorded by the owner.
func (f *FrameAssembler) LostFrames() int {
	return f.lostFrames
}

// CountLoss lets the decoder record a failed decode against the same counter.
func (f *FrameAssembler) CountLoss() {
	f.lostFrames++
}

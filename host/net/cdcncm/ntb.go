package cdcncm

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ardnew/idevncm/host/net/usbnet"
	"github.com/ardnew/idevncm/pkg"
)

// txTimerDelay bounds how long a partly filled NTB waits for more frames.
const txTimerDelay = 400 * time.Microsecond

// DatagramPointer is one NDP16 entry.
type DatagramPointer struct {
	Index  uint16
	Length uint16
}

// AppendNTB16 appends one NTB16 carrying frames to b. Every datagram
// starts on a 4-byte boundary after a single NDP16. It is the plain
// encoding used by simulated functions; the transmit path in TxFixup
// honours the negotiated alignment instead.
func AppendNTB16(b []byte, seq uint16, frames ...[]byte) []byte {
	base := len(b)
	ndpLen := max(NDP16HeaderLen+(len(frames)+1)*DPE16Size, NDP16MinLen)
	off := align(NTH16Size+ndpLen, MinAlignment, 0)

	dpes := make([]DatagramPointer, len(frames))
	for i, f := range frames {
		dpes[i] = DatagramPointer{Index: uint16(off), Length: uint16(len(f))}
		off = align(off+len(f), MinAlignment, 0)
	}
	if len(frames) > 0 {
		last := dpes[len(dpes)-1]
		off = int(last.Index) + int(last.Length)
	}

	b = append(b, make([]byte, off)...)
	out := b[base:]
	putNTH16(out, seq, off, NTH16Size)
	putNDP16(out[NTH16Size:], ndpLen, dpes)
	for i, f := range frames {
		copy(out[dpes[i].Index:], f)
	}
	return b
}

func putNTH16(b []byte, seq uint16, blockLen, ndpIndex int) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], NTH16Signature)
	le.PutUint16(b[4:], NTH16Size)
	le.PutUint16(b[6:], seq)
	le.PutUint16(b[8:], uint16(blockLen))
	le.PutUint16(b[10:], uint16(ndpIndex))
}

// putNDP16 writes an NDP16 of length ndpLen holding dpes and a zero
// terminator. The rest of the table stays zero.
func putNDP16(b []byte, ndpLen int, dpes []DatagramPointer) {
	le := binary.LittleEndian
	le.PutUint32(b[0:], NDP16Signature)
	le.PutUint16(b[4:], uint16(ndpLen))
	le.PutUint16(b[6:], 0)
	for i, d := range dpes {
		le.PutUint16(b[NDP16HeaderLen+i*DPE16Size:], d.Index)
		le.PutUint16(b[NDP16HeaderLen+i*DPE16Size+2:], d.Length)
	}
}

// align returns the smallest offset >= off with offset%modulus == remainder.
func align(off, modulus, remainder int) int {
	if modulus <= 1 {
		return off
	}
	return off + (remainder+modulus-off%modulus)%modulus
}

// ParseNTB16 walks the NDP chain of an NTB16 and calls fn for every
// datagram. Datagrams that fall outside the block are skipped and
// counted in bad. Header errors wrap ErrBadNTB.
func ParseNTB16(ntb []byte, maxSize int, fn func(seq uint16, datagram []byte)) (bad int, err error) {
	le := binary.LittleEndian
	if len(ntb) < NTH16Size {
		return 0, fmt.Errorf("%w: %d bytes", ErrBadNTB, len(ntb))
	}
	if sig := le.Uint32(ntb[0:]); sig != NTH16Signature {
		return 0, fmt.Errorf("%w: NTH16 signature %#08x", ErrBadNTB, sig)
	}
	if hl := le.Uint16(ntb[4:]); hl != NTH16Size {
		return 0, fmt.Errorf("%w: NTH16 header length %d", ErrBadNTB, hl)
	}
	seq := le.Uint16(ntb[6:])
	if bl := int(le.Uint16(ntb[8:])); maxSize > 0 && bl > maxSize {
		return 0, fmt.Errorf("%w: block length %d > %d", ErrBadNTB, bl, maxSize)
	}

	ndp := int(le.Uint16(ntb[10:]))
	for range maxNDPsPerNTB {
		if ndp == 0 {
			return bad, nil
		}
		if ndp < NTH16Size || ndp+NDP16HeaderLen > len(ntb) {
			return bad, fmt.Errorf("%w: NDP16 offset %d", ErrBadNTB, ndp)
		}
		if sig := le.Uint32(ntb[ndp:]); sig != NDP16Signature {
			return bad, fmt.Errorf("%w: NDP16 signature %#08x", ErrBadNTB, sig)
		}
		ndpLen := int(le.Uint16(ntb[ndp+4:]))
		if ndpLen < NDP16MinLen || ndp+ndpLen > len(ntb) {
			return bad, fmt.Errorf("%w: NDP16 length %d", ErrBadNTB, ndpLen)
		}

		entries := (ndpLen-NDP16HeaderLen)/DPE16Size - 1
		for i := range entries {
			at := ndp + NDP16HeaderLen + i*DPE16Size
			index, length := int(le.Uint16(ntb[at:])), int(le.Uint16(ntb[at+2:]))
			if index == 0 || length == 0 {
				break
			}
			if index+length > len(ntb) {
				bad++
				break
			}
			fn(seq, ntb[index:index+length])
		}
		ndp = int(le.Uint16(ntb[ndp+6:]))
	}
	return bad, fmt.Errorf("%w: NDP16 chain too long", ErrBadNTB)
}

// RxFixup unpacks a received NTB16 and delivers every datagram.
func RxFixup(dev *usbnet.Device, data []byte) error {
	s := StateOf(dev)
	if s == nil {
		return pkg.ErrNotConfigured
	}

	first := true
	bad, err := ParseNTB16(data, s.RxMax, func(seq uint16, frame []byte) {
		if first {
			s.checkSequence(seq)
			first = false
		}
		dev.Deliver(frame)
	})
	if bad > 0 {
		dev.Net().Counters.RxFrameErrors.Add(uint64(bad))
		pkg.LogDebug(pkg.ComponentNCM, "invalid datagrams ignored", "netdev", dev.Net().Name(), "count", bad)
	}
	return err
}

func (s *State) checkSequence(seq uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rxSeqSeen && seq != s.rxSeq+1 && seq != 0 {
		pkg.LogDebug(pkg.ComponentNCM, "sequence number glitch", "prev", s.rxSeq, "this", seq)
	}
	s.rxSeq, s.rxSeqSeen = seq, true
}

// TxFixup aggregates frames into NTB16s. Frames are held until the NTB is
// full, the datagram limit is reached, or the flush timer fires; a nil
// frame flushes at once.
func TxFixup(dev *usbnet.Device, frame []byte) (usbnet.TxFrame, error) {
	s := StateOf(dev)
	if s == nil {
		return usbnet.TxFrame{}, pkg.ErrNotConfigured
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if frame == nil {
		return s.flushLocked(), nil
	}
	if s.datagramEnd(true, 0, len(frame)) > s.TxMax ||
		len(frame) > s.MaxDatagramSize {
		return usbnet.TxFrame{}, fmt.Errorf("%d bytes: %w", len(frame), ErrDatagramTooLarge)
	}

	var out usbnet.TxFrame
	if len(s.txFrames) > 0 && s.datagramEnd(false, s.txEnd, len(frame)) > s.TxMax {
		out = s.flushLocked()
	}

	s.txEnd = s.datagramEnd(len(s.txFrames) == 0, s.txEnd, len(frame))
	s.txFrames = append(s.txFrames, append([]byte(nil), frame...))
	s.txBytes += len(frame)

	switch {
	case out.Data != nil:
		// The new frame starts the next NTB.
		s.armTimerLocked(dev)
	case len(s.txFrames) >= s.TxMaxDatagrams:
		out = s.flushLocked()
	default:
		s.armTimerLocked(dev)
	}
	return out, nil
}

// datagramEnd returns the offset just past a datagram of n bytes placed
// after prevEnd, or as the first datagram of a fresh NTB.
func (s *State) datagramEnd(first bool, prevEnd, n int) int {
	if first {
		prevEnd = s.ndpOffset() + s.ndpLen()
	}
	return align(prevEnd, s.TxModulus, s.TxRemainder) + n
}

func (s *State) ndpOffset() int {
	return align(NTH16Size, s.TxNDPModulus, 0)
}

func (s *State) ndpLen() int {
	return NDP16HeaderLen + (s.TxMaxDatagrams+1)*DPE16Size
}

func (s *State) armTimerLocked(dev *usbnet.Device) {
	if s.txTimer != nil {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(txTimerDelay, func() {
		s.mu.Lock()
		if s.txTimer == t {
			s.txTimer = nil
		}
		s.mu.Unlock()
		dev.FlushTx()
	})
	s.txTimer = t
}

// flushLocked encodes the held frames as one NTB16.
func (s *State) flushLocked() usbnet.TxFrame {
	if s.txTimer != nil {
		s.txTimer.Stop()
		s.txTimer = nil
	}
	if len(s.txFrames) == 0 {
		return usbnet.TxFrame{}
	}

	ndpOff, ndpLen := s.ndpOffset(), s.ndpLen()
	dpes := make([]DatagramPointer, len(s.txFrames))
	end := ndpOff + ndpLen
	for i, f := range s.txFrames {
		start := align(end, s.TxModulus, s.TxRemainder)
		dpes[i] = DatagramPointer{Index: uint16(start), Length: uint16(len(f))}
		end = start + len(f)
	}

	size := end
	switch {
	case size > s.minTxPkt:
		// Close to TxMax: pad so the transfer ends on TxMax.
		size = s.TxMax
	case s.maxPacket > 0 && size%s.maxPacket == 0 && size < s.TxMax:
		// Force a short packet.
		size++
	}

	buf := make([]byte, size)
	putNTH16(buf, s.txSeq, size, ndpOff)
	putNDP16(buf[ndpOff:], NDP16HeaderLen+(len(dpes)+1)*DPE16Size, dpes)
	for i, f := range s.txFrames {
		copy(buf[dpes[i].Index:], f)
	}

	out := usbnet.TxFrame{Data: buf, Packets: len(s.txFrames), Bytes: s.txBytes}
	s.txSeq++
	s.txFrames, s.txEnd, s.txBytes = nil, 0, 0
	return out
}

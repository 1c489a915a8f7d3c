// Package pcap captures scheduled MAC PDUs into a Wireshark-compatible
// file. Frames use the MAC-LTE framed encoding on DLT 147, so a capture
// opens directly in Wireshark with the user DLT mapped to mac-lte-framed.
//
// Capture runs off the scheduling path: CapturePDU only copies the frame
// into a bounded queue and never blocks, a saturated queue drops the frame
// and counts it. A single writer goroutine owns the file.
package pcap

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rs/zerolog"

	"github.com/ranware/macsched/internal/log"
	"github.com/ranware/macsched/internal/radio"
	"github.com/ranware/macsched/internal/sched"
)

// LinkType is the user DLT carrying MAC-LTE framed payloads.
const LinkType = 147

const snapLen = 65535

// MAC-LTE framed encoding, as expected by Wireshark's packet-mac-lte
// dissector.
const (
	radioFDD = 1

	directionUplink   = 0
	directionDownlink = 1

	rntiTypePaging = 1
	rntiTypeRA     = 2
	rntiTypeC      = 3
	rntiTypeSI     = 4

	tagPayload  = 0x01
	tagRNTI     = 0x02
	tagUEID     = 0x03
	tagFrameSub = 0x04
	tagRetx     = 0x05
)

type frame struct {
	meta sched.PDUMeta
	ts   time.Time
	data []byte
}

// Writer implements sched.PDUCapture backed by a capture file.
type Writer struct {
	logger  zerolog.Logger
	ch      chan frame
	done    chan struct{}
	dropped atomic.Uint64

	file *os.File
	pw   *pcapgo.Writer
	err  error

	closeOnce sync.Once
	closeErr  error
}

// New creates the capture file and starts the writer goroutine. buffer is
// the number of frames held for the writer before new frames are dropped.
func New(path string, buffer int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	pw := pcapgo.NewWriter(f)
	if err := pw.WriteFileHeader(snapLen, layers.LinkType(LinkType)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write capture header: %w", err)
	}

	w := &Writer{
		logger: log.WithComponent("pcap"),
		ch:     make(chan frame, buffer),
		done:   make(chan struct{}),
		file:   f,
		pw:     pw,
	}
	go w.run()

	w.logger.Info().
		Str(log.FieldEvent, "pcap.opened").
		Str("path", path).
		Int("buffer", buffer).
		Msg("capture file opened")
	return w, nil
}

// CapturePDU queues one MAC PDU for capture. The payload is copied, the
// caller may reuse its buffer. Never blocks.
func (w *Writer) CapturePDU(meta sched.PDUMeta, pdu []byte) {
	fr := frame{meta: meta, ts: time.Now(), data: append([]byte(nil), pdu...)}
	select {
	case w.ch <- fr:
	default:
		w.dropped.Add(1)
	}
}

// Dropped reports the frames lost to a saturated queue.
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}

// Close drains the queue, flushes the file and stops the writer goroutine.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.ch)
		<-w.done

		if dropped := w.Dropped(); dropped > 0 {
			w.logger.Warn().
				Str(log.FieldEvent, "pcap.dropped").
				Uint64("frames", dropped).
				Msg("capture queue overflowed during the run")
		}
		syncErr := w.file.Sync()
		closeErr := w.file.Close()
		switch {
		case w.err != nil:
			w.closeErr = w.err
		case syncErr != nil:
			w.closeErr = syncErr
		default:
			w.closeErr = closeErr
		}
	})
	return w.closeErr
}

func (w *Writer) run() {
	defer close(w.done)
	for fr := range w.ch {
		data := encodeFrame(fr.meta, fr.data)
		ci := gopacket.CaptureInfo{
			Timestamp:     fr.ts,
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := w.pw.WritePacket(ci, data); err != nil && w.err == nil {
			w.err = err
			w.logger.Error().Err(err).
				Str(log.FieldEvent, "pcap.write_failed").
				Msg("capture write failed, further frames discarded")
		}
	}
}

// encodeFrame wraps a MAC PDU in the MAC-LTE framed context: the fixed
// radio/direction/rnti-type triple, then tagged optional fields, then the
// payload tag.
func encodeFrame(meta sched.PDUMeta, pdu []byte) []byte {
	buf := make([]byte, 0, 16+len(pdu))

	dir := byte(directionDownlink)
	if meta.Dir == radio.DirUL {
		dir = directionUplink
	}
	buf = append(buf, radioFDD, dir, rntiType(meta.RNTI))

	buf = append(buf, tagRNTI, byte(meta.RNTI>>8), byte(meta.RNTI))
	if meta.RNTI.IsUser() {
		buf = append(buf, tagUEID, byte(meta.RNTI>>8), byte(meta.RNTI))
	}

	fs := uint16(meta.TTI.Frame()<<4 | meta.TTI.Subframe())
	buf = append(buf, tagFrameSub, byte(fs>>8), byte(fs))

	if meta.IsRetx {
		buf = append(buf, tagRetx, 1)
	}

	buf = append(buf, tagPayload)
	return append(buf, pdu...)
}

func rntiType(r radio.RNTI) byte {
	switch {
	case r == radio.SIRNTI:
		return rntiTypeSI
	case r == radio.PRNTI:
		return rntiTypePaging
	case r.IsUser():
		return rntiTypeC
	default:
		return rntiTypeRA
	}
}

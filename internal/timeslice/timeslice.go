// Package timeslice records how long interrupt operations take into a
// compact binary stream that can be summarised offline.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3
)

type header struct {
	Magic             uint32
	Version           uint32
	RecordKindsLength uint32
}

type TimesliceID uint64

const InvalidTimesliceID = TimesliceID(0)

type SliceInfo struct {
	Name  string
	Flags SliceFlags
}

type SliceFlags uint32

func (f SliceFlags) String() string {
	flags := []string{}
	if f&SliceFlagInterrupt != 0 {
		flags = append(flags, "irq")
	}
	if f&SliceFlagInitTime != 0 {
		flags = append(flags, "init")
	}
	return strings.Join(flags, ",")
}

const (
	// SliceFlagInterrupt marks work done in interrupt context.
	SliceFlagInterrupt SliceFlags = 1 << iota
	SliceFlagInitTime
)

var timeslices = make(map[TimesliceID]SliceInfo)

// RegisterKind adds a record kind. Kinds are written into the stream header,
// so every kind must be registered before StartRecording. Not thread safe.
func RegisterKind(name string, flags SliceFlags) TimesliceID {
	id := TimesliceID(len(timeslices) + 1)
	timeslices[id] = SliceInfo{
		Name:  name,
		Flags: flags,
	}
	return id
}

type record struct {
	ID       TimesliceID
	Duration int64
}

var recordSize = binary.Size(record{})

// writer owns the background goroutine. writerChan is never closed: Record
// may still hold a writer that is being closed, so shutdown goes through done.
type writer struct {
	w                   io.Writer
	writeThreadComplete chan error
	writerChan          chan record
	done                chan struct{}
}

func (w *writer) run() {
	defer close(w.writeThreadComplete)

	var buf [4096]byte
	off := 0

	put := func(record record) error {
		if off+recordSize > len(buf) {
			if _, err := w.w.Write(buf[:off]); err != nil {
				return err
			}
			off = 0
		}
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(record.ID))
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(record.Duration))
		off += recordSize
		return nil
	}

loop:
	for {
		select {
		case record := <-w.writerChan:
			if err := put(record); err != nil {
				w.writeThreadComplete <- err
				return
			}
		case <-w.done:
			break loop
		}
	}

	// Drain what was queued before the writer was unpublished. This is the
	// only receiver, so a non-empty channel never blocks.
	for len(w.writerChan) > 0 {
		if err := put(<-w.writerChan); err != nil {
			w.writeThreadComplete <- err
			return
		}
	}

	if off > 0 {
		if _, err := w.w.Write(buf[:off]); err != nil {
			w.writeThreadComplete <- err
			return
		}
	}

	w.writeThreadComplete <- nil
}

func (w *writer) Close() error {
	// Only the goroutine that wins the swap stops the writer.
	if !currentWriter.CompareAndSwap(w, nil) {
		return fmt.Errorf("timeslice: already closed")
	}

	close(w.done)

	if err := <-w.writeThreadComplete; err != nil {
		return fmt.Errorf("timeslice: write thread: %w", err)
	}

	return nil
}

var currentWriter atomic.Pointer[writer]

var dropped atomic.Uint64

// Record queues one duration. It never blocks: when the writer falls behind
// the record is dropped and counted. Records racing with Close may be lost.
// Record is safe to call at any time.
func Record(id TimesliceID, duration time.Duration) {
	w := currentWriter.Load()
	if w == nil {
		return
	}
	select {
	case w.writerChan <- record{ID: id, Duration: duration.Nanoseconds()}:
	default:
		dropped.Add(1)
	}
}

// Dropped returns how many records were discarded because the writer was
// saturated.
func Dropped() uint64 {
	return dropped.Load()
}

// StartRecording writes the stream header to w and starts the background
// writer. Only one recording may be active.
func StartRecording(w io.Writer) (io.Closer, error) {
	if w := currentWriter.Load(); w != nil {
		return nil, fmt.Errorf("timeslice: already open")
	}

	slices, err := json.Marshal(timeslices)
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal timeslices: %w", err)
	}

	off := 0

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:             Magic,
		Version:           Version,
		RecordKindsLength: uint32(len(slices)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}

	off += binary.Size(header{})

	if _, err := w.Write(slices); err != nil {
		return nil, fmt.Errorf("timeslice: write slices: %w", err)
	}
	off += len(slices)

	// Records start on a 4096 byte boundary.
	if off%4096 != 0 {
		if _, err := w.Write(make([]byte, 4096-off%4096)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	writer := &writer{w: w,
		writerChan:          make(chan record, 4096),
		writeThreadComplete: make(chan error, 1),
		done:                make(chan struct{}),
	}
	go writer.run()

	if !currentWriter.CompareAndSwap(nil, writer) {
		close(writer.done)
		<-writer.writeThreadComplete
		return nil, fmt.Errorf("timeslice: already open")
	}

	return writer, nil
}

// ReadAllRecords decodes a stream written by StartRecording and calls fn for
// every record in order.
func ReadAllRecords(r io.Reader, fn func(id string, flags SliceFlags, duration time.Duration) error) error {
	var timeslices map[TimesliceID]SliceInfo

	buf := bufio.NewReaderSize(r, 4096)

	var header header
	if err := binary.Read(buf, binary.LittleEndian, &header); err != nil {
		return err
	}
	if header.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic")
	}
	if header.Version != Version {
		return fmt.Errorf("timeslice: invalid version %d", header.Version)
	}

	dec := json.NewDecoder(io.LimitReader(buf, int64(header.RecordKindsLength)))
	if err := dec.Decode(&timeslices); err != nil {
		return err
	}

	off := int(header.RecordKindsLength) + binary.Size(header)
	if off%4096 != 0 {
		if _, err := buf.Discard(4096 - off%4096); err != nil {
			return err
		}
	}

	for {
		var record record
		if err := binary.Read(buf, binary.LittleEndian, &record); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		kind, ok := timeslices[record.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind: %d", record.ID)
		}
		if err := fn(kind.Name, kind.Flags, time.Duration(record.Duration)); err != nil {
			return err
		}
	}

	return nil
}

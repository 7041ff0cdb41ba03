// Package perf records named timing spans into a compact binary stream.
//
// Span kinds are registered once at startup; a Recorder then buffers
// (kind, duration) records on a background goroutine so the hot path only
// pays for a channel send. The stream begins with a JSON table mapping kind
// IDs to names, padded to a page, followed by fixed-size little-endian
// records.
package perf

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	Magic   uint32 = 0x50584d56 // "VMXP"
	Version uint32 = 1
)

type header struct {
	Magic          uint32
	Version        uint32
	SpanTableBytes uint32
}

type SpanID uint64

const InvalidSpanID = SpanID(0)

type SpanFlags uint32

const (
	// SpanFlagExit marks time spent emulating an intercepted instruction.
	SpanFlagExit SpanFlags = 1 << iota
	// SpanFlagSetup marks one-time bring-up or teardown work.
	SpanFlagSetup
)

func (f SpanFlags) String() string {
	var flags []string
	if f&SpanFlagExit != 0 {
		flags = append(flags, "exit")
	}
	if f&SpanFlagSetup != 0 {
		flags = append(flags, "setup")
	}
	return strings.Join(flags, ",")
}

type SpanInfo struct {
	Name  string
	Flags SpanFlags
}

var spans = make(map[SpanID]SpanInfo)

// RegisterKind names a span kind. Call it from package var initializers; the
// registry is not safe for concurrent use.
func RegisterKind(name string, flags SpanFlags) SpanID {
	id := SpanID(len(spans) + 1)
	spans[id] = SpanInfo{
		Name:  name,
		Flags: flags,
	}
	return id
}

type record struct {
	ID       SpanID
	Duration int64
}

var recordSize = binary.Size(record{})

// Recorder writes span records to an underlying stream. Record and Measure
// are safe to call from any goroutine; Close flushes and stops the writer.
type Recorder struct {
	records  chan record
	done     chan error
	closing  chan struct{}
	canceled bool
}

// Open writes the stream header and span table and starts the background
// writer.
func Open(w io.Writer) (*Recorder, error) {
	table, err := json.Marshal(spans)
	if err != nil {
		return nil, fmt.Errorf("perf: marshal span table: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:          Magic,
		Version:        Version,
		SpanTableBytes: uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("perf: write header: %w", err)
	}
	off := binary.Size(header{})

	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("perf: write span table: %w", err)
	}
	off += len(table)

	// pad so records start page aligned
	if off%4096 != 0 {
		if _, err := w.Write(make([]byte, 4096-off%4096)); err != nil {
			return nil, fmt.Errorf("perf: write padding: %w", err)
		}
	}

	r := &Recorder{
		records: make(chan record, 4096),
		done:    make(chan error, 1),
		closing: make(chan struct{}),
	}
	go r.run(w)
	return r, nil
}

func (r *Recorder) run(w io.Writer) {
	var buf [4096]byte
	off := 0

	for rec := range r.records {
		if off+recordSize > len(buf) {
			if _, err := w.Write(buf[:off]); err != nil {
				r.done <- err
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(rec.ID))
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(rec.Duration))
		off += recordSize
	}

	if off > 0 {
		if _, err := w.Write(buf[:off]); err != nil {
			r.done <- err
			return
		}
	}
	r.done <- nil
}

// Record emits one span.
func (r *Recorder) Record(id SpanID, duration time.Duration) {
	select {
	case <-r.closing:
	default:
		r.records <- record{ID: id, Duration: duration.Nanoseconds()}
	}
}

// Measure starts a span and returns the function that ends it.
func (r *Recorder) Measure(id SpanID) func() {
	start := time.Now()
	return func() {
		r.Record(id, time.Since(start))
	}
}

// Close flushes buffered records and stops the writer. It does not close the
// underlying stream.
func (r *Recorder) Close() error {
	if r.canceled {
		return fmt.Errorf("perf: already closed")
	}
	r.canceled = true
	close(r.closing)
	close(r.records)
	if err := <-r.done; err != nil {
		return fmt.Errorf("perf: writer: %w", err)
	}
	return nil
}

// ReadAllSpans decodes a recorded stream, calling fn once per record.
func ReadAllSpans(r io.Reader, fn func(name string, flags SpanFlags, duration time.Duration) error) error {
	buf := bufio.NewReaderSize(r, 4096)

	var h header
	if err := binary.Read(buf, binary.LittleEndian, &h); err != nil {
		return err
	}
	if h.Magic != Magic {
		return fmt.Errorf("perf: invalid magic")
	}
	if h.Version != Version {
		return fmt.Errorf("perf: invalid version")
	}

	var table map[SpanID]SpanInfo
	dec := json.NewDecoder(io.LimitReader(buf, int64(h.SpanTableBytes)))
	if err := dec.Decode(&table); err != nil {
		return err
	}

	off := int(h.SpanTableBytes) + binary.Size(h)
	if off%4096 != 0 {
		if _, err := buf.Discard(4096 - off%4096); err != nil {
			return err
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		info, ok := table[rec.ID]
		if !ok {
			return fmt.Errorf("perf: unknown span kind %d", rec.ID)
		}
		if err := fn(info.Name, info.Flags, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
	return nil
}

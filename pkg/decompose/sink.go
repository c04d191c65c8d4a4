package decompose

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/predictable-edge/5G-measurement/pkg/buffer"
)

// Sink receives records as they are produced.
type Sink interface {
	Write(Record) error
}

// BufferSink keeps records in a bounded in-memory buffer for later retrieval.
type BufferSink struct {
	buf *buffer.Buffer[Record]
}

func NewBufferSink(capacity int) *BufferSink {
	return &BufferSink{buf: buffer.New[Record](capacity)}
}

// Write appends without blocking; once the buffer is full further records are
// dropped rather than stalling the measurement loop.
func (s *BufferSink) Write(rec Record) error {
	if !s.buf.TryAdd(rec) {
		return fmt.Errorf("record buffer full (capacity %d)", s.buf.Capacity())
	}
	return nil
}

// Records returns a copy of everything buffered so far.
func (s *BufferSink) Records() []Record {
	return s.buf.Read()
}

// Drain returns the buffered records and empties the buffer.
func (s *BufferSink) Drain() []Record {
	out := s.buf.CopyAndReset()
	records := make([]Record, len(out))
	copy(records, out)
	s.buf.Recycle(out)
	return records
}

// TableWriter renders records as a fixed-column text table, one row per
// record, with a header emitted before the first row.
type TableWriter struct {
	mu          sync.Mutex
	w           io.Writer
	wroteHeader bool
}

func NewTableWriter(w io.Writer) *TableWriter {
	return &TableWriter{w: w}
}

const (
	tableHeaderFormat = "%-8s %-10s %-12s %-14s %-14s %-14s %-12s %-14s %s\n"
	tableRowFormat    = "%-8d %-10d %-12d %-14.3f %-14.3f %-14.3f %-12.3f %-14s %s\n"
)

func (t *TableWriter) Write(rec Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.wroteHeader {
		if _, err := fmt.Fprintf(t.w, tableHeaderFormat,
			"index", "req_id", "size_bytes", "trans_ms", "transfer_ms", "total_ms", "sync_rtt_ms", "outcome", "offset"); err != nil {
			return fmt.Errorf("failed to write table header: %w", err)
		}
		t.wroteHeader = true
	}

	offsetNote := "fresh"
	if rec.OffsetStale {
		offsetNote = "stale"
	}
	if _, err := fmt.Fprintf(t.w, tableRowFormat,
		rec.Index,
		rec.RequestID,
		rec.DeclaredSize,
		millis(rec.TransmissionDelay),
		millis(rec.TransferDuration),
		millis(rec.TotalLatency),
		millis(rec.SyncRTT),
		rec.Outcome,
		offsetNote); err != nil {
		return fmt.Errorf("failed to write table row: %w", err)
	}
	return nil
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// MultiSink fans a record out to every sink, returning the first error.
type MultiSink []Sink

func (m MultiSink) Write(rec Record) error {
	for _, s := range m {
		if err := s.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

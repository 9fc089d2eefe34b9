package eventlog

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const (
	DefaultMaxRecords    = 100_000
	DefaultBatchSize     = 100
	DefaultRemoveRecords = 1000 + DefaultBatchSize
	DefaultFlushInterval = time.Second

	// MaxHistory caps how many records a single read returns.
	MaxHistory = 10_000

	queueDepth = 1000
)

// FileOptions configures a FileRegister.
type FileOptions struct {
	Path          string
	MaxRecords    int // truncate once the file holds more than this
	RemoveRecords int // how many of the oldest records a truncation drops
	BatchSize     int // records buffered before a write
	FlushInterval time.Duration
	Logger        *zap.Logger
}

func (o *FileOptions) setDefaults() {
	if o.MaxRecords <= 0 {
		o.MaxRecords = DefaultMaxRecords
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.RemoveRecords <= 0 {
		o.RemoveRecords = min(1000+o.BatchSize, o.MaxRecords)
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// FileRegister appends events to a file as [4-byte big-endian length]
// [msgpack record] frames. A background goroutine batches writes and drops
// the oldest records once the file grows past MaxRecords.
type FileRegister struct {
	opts   FileOptions
	log    *zap.Logger
	opened time.Time

	queue   chan Event
	flushes chan chan error
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once

	mu      sync.Mutex // guards f and records
	f       *os.File
	records int
}

// OpenFile opens or creates the log at opts.Path and starts its writer.
func OpenFile(opts FileOptions) (*FileRegister, error) {
	opts.setDefaults()
	if opts.Path == "" {
		return nil, errors.New("eventlog: Path is required")
	}
	f, err := os.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open: %w", err)
	}
	n, end, err := countRecords(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("eventlog: scan %s: %w", opts.Path, err)
	}
	// drop a torn tail left by a crash mid-write
	if err := f.Truncate(end); err != nil {
		f.Close()
		return nil, fmt.Errorf("eventlog: %w", err)
	}
	if _, err := f.Seek(end, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("eventlog: %w", err)
	}

	r := &FileRegister{
		opts:    opts,
		log:     opts.Logger.Named("eventlog"),
		opened:  time.Now(),
		queue:   make(chan Event, queueDepth),
		flushes: make(chan chan error),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		f:       f,
		records: n,
	}
	go r.run()
	return r, nil
}

// Register queues events for writing. It blocks while the queue is full.
func (r *FileRegister) Register(ctx context.Context, events ...Event) error {
	select {
	case <-r.stop:
		return ErrClosed
	default:
	}
	stamp(events)
	for _, e := range events {
		select {
		case r.queue <- e:
		case <-r.stop:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Flush writes everything queued so far.
func (r *FileRegister) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case r.flushes <- reply:
	case <-r.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes pending events and closes the file.
func (r *FileRegister) Close() error {
	r.once.Do(func() { close(r.stop) })
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}

// Len returns the number of records on disk.
func (r *FileRegister) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records
}

func (r *FileRegister) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, r.opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := r.write(batch)
		if err != nil {
			r.log.Error("write event batch", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		return err
	}

	for {
		select {
		case e := <-r.queue:
			batch = append(batch, e)
			if len(batch) >= r.opts.BatchSize {
				flush()
			}
		case reply := <-r.flushes:
			r.drain(&batch)
			reply <- flush()
		case <-ticker.C:
			flush()
		case <-r.stop:
			r.drain(&batch)
			flush()
			return
		}
	}
}

func (r *FileRegister) drain(batch *[]Event) {
	for {
		select {
		case e := <-r.queue:
			*batch = append(*batch, e)
		default:
			return
		}
	}
}

func (r *FileRegister) write(batch []Event) error {
	buf := make([]byte, 0, len(batch)*128)
	for i := range batch {
		rec, err := msgpack.Marshal(&batch[i])
		if err != nil {
			return fmt.Errorf("eventlog: encode: %w", err)
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(rec)))
		buf = append(buf, rec...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.f.Write(buf); err != nil {
		return fmt.Errorf("eventlog: write: %w", err)
	}
	r.records += len(batch)

	if r.records > r.opts.MaxRecords {
		removed, err := r.truncate(r.opts.RemoveRecords)
		if err != nil {
			return err
		}
		r.records -= removed
		r.log.Debug("truncated event log", zap.Int("removed", removed), zap.Int("kept", r.records))
	}
	return nil
}

// truncate drops the n oldest records. Callers hold mu.
func (r *FileRegister) truncate(n int) (int, error) {
	if _, err := r.f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	br := bufio.NewReader(r.f)
	removed := 0
	var offset int64
	for removed < n {
		size, err := readLength(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, fmt.Errorf("eventlog: truncate: %w", err)
		}
		if _, err := br.Discard(int(size)); err != nil {
			return 0, fmt.Errorf("eventlog: truncate: %w", err)
		}
		offset += 4 + int64(size)
		removed++
	}

	rest, err := io.ReadAll(io.NewSectionReader(r.f, offset, 1<<62))
	if err != nil {
		return 0, fmt.Errorf("eventlog: truncate: %w", err)
	}
	if _, err := r.f.WriteAt(rest, 0); err != nil {
		return 0, fmt.Errorf("eventlog: truncate: %w", err)
	}
	if err := r.f.Truncate(int64(len(rest))); err != nil {
		return 0, fmt.Errorf("eventlog: truncate: %w", err)
	}
	if _, err := r.f.Seek(0, io.SeekEnd); err != nil {
		return 0, fmt.Errorf("eventlog: truncate: %w", err)
	}
	return removed, nil
}

// Events reads up to n records from the start of the file, oldest first.
// n <= 0 or above MaxHistory reads MaxHistory.
func (r *FileRegister) Events(n int) ([]Event, error) {
	if n <= 0 || n > MaxHistory {
		n = MaxHistory
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	br := bufio.NewReader(io.NewSectionReader(r.f, 0, 1<<62))
	var out []Event
	for len(out) < n {
		size, err := readLength(br)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, err
		}
		rec := make([]byte, size)
		if _, err := io.ReadFull(br, rec); err != nil {
			return out, fmt.Errorf("eventlog: read record: %w", err)
		}
		var e Event
		if err := msgpack.Unmarshal(rec, &e); err != nil {
			return out, fmt.Errorf("eventlog: decode record: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// RouteEvents returns routing outcomes recorded since this register was
// opened, from the first n records of the file.
func (r *FileRegister) RouteEvents(n int) ([]Route, error) {
	events, err := r.Events(n)
	if err != nil {
		return nil, err
	}
	var out []Route
	for _, e := range events {
		if e.Kind == KindRoute && e.Route != nil && !e.At.Before(r.opened) {
			out = append(out, *e.Route)
		}
	}
	return out, nil
}

func readLength(br *bufio.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(br, b[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, io.EOF
		}
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// countRecords walks the frames of f and returns how many are complete and
// where the last complete one ends.
func countRecords(f *os.File) (int, int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}
	size := info.Size()
	br := bufio.NewReader(io.NewSectionReader(f, 0, size))
	var (
		n   int
		end int64
	)
	for {
		length, err := readLength(br)
		if errors.Is(err, io.EOF) {
			return n, end, nil
		}
		if err != nil {
			return 0, 0, err
		}
		if end+4+int64(length) > size {
			return n, end, nil
		}
		if _, err := br.Discard(int(length)); err != nil {
			return 0, 0, err
		}
		end += 4 + int64(length)
		n++
	}
}

package worldline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/openibank/openibank-sub001/pkg/canonicalize"
)

const (
	// FormatVersion is written into the header of every new log file.
	FormatVersion = "1.0.0"
	// formatConstraint is the range of header versions this reader accepts.
	formatConstraint = "^1.0.0"

	logFileName  = "events.wll"
	headerPrefix = "WLL "
	maxFrameSize = 64 << 20
)

// FileStore persists each run as <root>/<run_id>/events.wll: a version header line
// followed by length-prefixed binary frames. Every append is fsynced before it is
// acknowledged. On open every frame's hash is recomputed; a run whose chain does not
// verify is quarantined and all operations on it return *HashChainBrokenError.
type FileStore struct {
	root       string
	constraint *semver.Constraints
	logger     *slog.Logger

	mu     sync.RWMutex
	runs   map[string]*fileRun
	closed bool
}

type fileRun struct {
	mu      sync.RWMutex
	id      string
	f       *os.File
	size    int64
	offsets []int64
	hashes  []canonicalize.Digest
	last    *Event
	broken  *HashChainBrokenError
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithFileStoreLogger sets the store logger.
func WithFileStoreLogger(l *slog.Logger) FileStoreOption {
	return func(s *FileStore) { s.logger = l }
}

// OpenFileStore opens (or creates) a file store rooted at root and verifies every
// run found there.
func OpenFileStore(root string, opts ...FileStoreOption) (*FileStore, error) {
	constraint, err := semver.NewConstraint(formatConstraint)
	if err != nil {
		return nil, fmt.Errorf("worldline: bad format constraint: %w", err)
	}
	s := &FileStore{
		root:       root,
		constraint: constraint,
		logger:     slog.Default().With("component", "worldline_file_store"),
		runs:       make(map[string]*fileRun),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("worldline: create root %s: %w", root, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("worldline: read root %s: %w", root, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || !ValidRunID(entry.Name()) {
			continue
		}
		path := filepath.Join(root, entry.Name(), logFileName)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		r, err := s.openRun(entry.Name(), path)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.runs[r.id] = r
	}
	return s, nil
}

func (s *FileStore) openRun(runID, path string) (*fileRun, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("worldline: open %s: %w", path, err)
	}
	r := &fileRun{id: runID, f: f}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("worldline: stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		header := []byte(headerPrefix + FormatVersion + "\n")
		if _, err := f.Write(header); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("worldline: write header %s: %w", path, err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("worldline: sync header %s: %w", path, err)
		}
		r.size = int64(len(header))
		return r, nil
	}

	if err := s.load(r); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("worldline: load %s: %w", path, err)
	}
	return r, nil
}

// load replays the whole file, recomputing the chain. Torn trailing frames left by
// a crash mid-append are truncated.
func (s *FileStore) load(r *fileRun) error {
	if _, err := r.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	br := bufio.NewReader(r.f)

	line, err := br.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, headerPrefix) {
		return fmt.Errorf("missing %q header", strings.TrimSpace(headerPrefix))
	}
	v, err := semver.NewVersion(strings.TrimSpace(strings.TrimPrefix(line, headerPrefix)))
	if err != nil {
		return fmt.Errorf("invalid format version: %w", err)
	}
	if !s.constraint.Check(v) {
		return fmt.Errorf("unsupported format version %s (want %s)", v, formatConstraint)
	}

	offset := int64(len(line))
	var prev canonicalize.Digest
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return s.truncateTorn(r, offset)
			}
			return err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > maxFrameSize {
			r.broken = &HashChainBrokenError{RunID: r.id, Seq: uint64(len(r.offsets)) + 1, Reason: fmt.Sprintf("frame at offset %d exceeds size limit", offset)}
			break
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(br, body); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return s.truncateTorn(r, offset)
			}
			return err
		}

		ev, err := decodeFrame(body)
		if err != nil {
			r.broken = &HashChainBrokenError{RunID: r.id, Seq: uint64(len(r.offsets)) + 1, Reason: fmt.Sprintf("corrupt frame at offset %d: %v", offset, err)}
			break
		}
		ev.PrevHash = prev
		if want := uint64(len(r.offsets)) + 1; ev.Seq != want || ev.RunID != r.id {
			r.broken = &HashChainBrokenError{RunID: r.id, EventID: ev.ID, Seq: ev.Seq, Reason: "frame out of sequence"}
			break
		}
		if broken := verifyEvent(prev, ev); broken != nil {
			r.broken = broken
			break
		}

		r.offsets = append(r.offsets, offset)
		r.hashes = append(r.hashes, ev.Hash)
		r.last = ev
		prev = ev.Hash
		offset += 4 + int64(n)
	}
	r.size = offset

	if r.broken != nil {
		s.logger.Error("worldline run quarantined", "run_id", r.id, "event_id", r.broken.EventID, "reason", r.broken.Reason)
	}
	return nil
}

func (s *FileStore) truncateTorn(r *fileRun, offset int64) error {
	s.logger.Warn("truncating torn frame", "run_id", r.id, "offset", offset)
	if err := r.f.Truncate(offset); err != nil {
		return fmt.Errorf("truncate torn frame: %w", err)
	}
	r.size = offset
	return r.f.Sync()
}

func (s *FileStore) lookup(runID string, create bool) (*fileRun, error) {
	s.mu.RLock()
	r, ok := s.runs[runID]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok || !create {
		return r, nil
	}
	if !ValidRunID(runID) {
		return nil, fmt.Errorf("%w: run id %q", ErrInvalidEvent, runID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runID]; ok {
		return r, nil
	}
	dir := filepath.Join(s.root, runID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	r, err := s.openRun(runID, filepath.Join(dir, logFileName))
	if err != nil {
		return nil, err
	}
	s.runs[runID] = r
	return r, nil
}

func (s *FileStore) Append(_ context.Context, ev *Event) error {
	r, err := s.lookup(ev.RunID, true)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.broken != nil {
		return r.broken
	}
	if want := uint64(len(r.offsets)) + 1; ev.Seq != want {
		return fmt.Errorf("out of order append: seq %d, want %d", ev.Seq, want)
	}

	frame, err := encodeFrame(ev)
	if err != nil {
		return err
	}
	if _, err := r.f.Write(frame); err != nil {
		_ = r.f.Truncate(r.size)
		return fmt.Errorf("write frame: %w", err)
	}
	if err := r.f.Sync(); err != nil {
		_ = r.f.Truncate(r.size)
		return fmt.Errorf("sync frame: %w", err)
	}

	r.offsets = append(r.offsets, r.size)
	r.hashes = append(r.hashes, ev.Hash)
	r.size += int64(len(frame))
	r.last = ev.Clone()
	return nil
}

func (s *FileStore) Scan(_ context.Context, runID string, fromSeq uint64, limit int) ([]*Event, error) {
	r, err := s.lookup(runID, false)
	if err != nil || r == nil {
		return nil, err
	}

	r.mu.RLock()
	if r.broken != nil {
		r.mu.RUnlock()
		return nil, r.broken
	}
	if fromSeq == 0 {
		fromSeq = 1
	}
	total := uint64(len(r.offsets))
	if fromSeq > total {
		r.mu.RUnlock()
		return nil, nil
	}
	end := total
	if limit > 0 && fromSeq-1+uint64(limit) < end {
		end = fromSeq - 1 + uint64(limit)
	}
	offsets := append([]int64(nil), r.offsets[fromSeq-1:end]...)
	var prev canonicalize.Digest
	if fromSeq > 1 {
		prev = r.hashes[fromSeq-2]
	}
	r.mu.RUnlock()

	out := make([]*Event, 0, len(offsets))
	for _, off := range offsets {
		ev, err := readFrameAt(r.f, off)
		if err != nil {
			return nil, fmt.Errorf("read frame at %d: %w", off, err)
		}
		ev.PrevHash = prev
		prev = ev.Hash
		out = append(out, ev)
	}
	return out, nil
}

func (s *FileStore) Last(_ context.Context, runID string) (*Event, error) {
	r, err := s.lookup(runID, false)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrRunNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.broken != nil {
		return nil, r.broken
	}
	if r.last == nil {
		return nil, ErrRunNotFound
	}
	return r.last.Clone(), nil
}

func (s *FileStore) Runs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.runs))
	for id := range s.runs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Path returns the log file of a run.
func (s *FileStore) Path(runID string) string {
	return filepath.Join(s.root, runID, logFileName)
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for _, r := range s.runs {
		r.mu.Lock()
		if err := r.f.Close(); err != nil {
			errs = append(errs, err)
		}
		r.mu.Unlock()
	}
	return errors.Join(errs...)
}

// encodeFrame lays out one record:
//
//	frame_len u32 | seq u64 | ts i64 | id | run_id | agent_id | event_type |
//	payload_len u32 | payload | hash [32]
//
// Strings are uvarint length-prefixed; integers are big-endian.
func encodeFrame(ev *Event) ([]byte, error) {
	if len(ev.Payload) > maxFrameSize/2 {
		return nil, fmt.Errorf("payload of %d bytes exceeds frame limit", len(ev.Payload))
	}
	var body bytes.Buffer
	var scratch [binary.MaxVarintLen64]byte

	_ = binary.Write(&body, binary.BigEndian, ev.Seq)
	_ = binary.Write(&body, binary.BigEndian, ev.Timestamp.UnixNano())
	for _, s := range []string{ev.ID, ev.RunID, ev.AgentID, string(ev.Type)} {
		n := binary.PutUvarint(scratch[:], uint64(len(s)))
		body.Write(scratch[:n])
		body.WriteString(s)
	}
	_ = binary.Write(&body, binary.BigEndian, uint32(len(ev.Payload)))
	body.Write(ev.Payload)
	body.Write(ev.Hash[:])

	frame := make([]byte, 4, 4+body.Len())
	binary.BigEndian.PutUint32(frame, uint32(body.Len()))
	return append(frame, body.Bytes()...), nil
}

func decodeFrame(body []byte) (*Event, error) {
	rd := bytes.NewReader(body)
	ev := &Event{}

	var ts int64
	if err := binary.Read(rd, binary.BigEndian, &ev.Seq); err != nil {
		return nil, fmt.Errorf("seq: %w", err)
	}
	if err := binary.Read(rd, binary.BigEndian, &ts); err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}
	ev.Timestamp = time.Unix(0, ts).UTC()

	fields := make([]string, 4)
	for i := range fields {
		n, err := binary.ReadUvarint(rd)
		if err != nil {
			return nil, fmt.Errorf("string length: %w", err)
		}
		if n > uint64(rd.Len()) {
			return nil, fmt.Errorf("string length %d exceeds frame", n)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(rd, buf); err != nil {
			return nil, err
		}
		fields[i] = string(buf)
	}
	ev.ID, ev.RunID, ev.AgentID, ev.Type = fields[0], fields[1], fields[2], EventType(fields[3])

	var payloadLen uint32
	if err := binary.Read(rd, binary.BigEndian, &payloadLen); err != nil {
		return nil, fmt.Errorf("payload length: %w", err)
	}
	if uint64(payloadLen)+32 != uint64(rd.Len()) {
		return nil, fmt.Errorf("payload length %d does not match frame", payloadLen)
	}
	ev.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(rd, ev.Payload); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rd, ev.Hash[:]); err != nil {
		return nil, err
	}
	return ev, nil
}

func readFrameAt(f *os.File, off int64) (*Event, error) {
	var lenBuf [4]byte
	if _, err := f.ReadAt(lenBuf[:], off); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame length %d exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := f.ReadAt(body, off+4); err != nil {
		return nil, err
	}
	return decodeFrame(body)
}

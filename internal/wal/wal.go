// Package wal implements the store's write-ahead log: an append-only
// sequence of committed mutations, flushed before acknowledgement and
// truncated on successful snapshot.
//
// Unlike segmented, LSN-rotated log (built for a paged B+Tree
// engine), this is a single sibling file: repeated frames of
// [4-byte big-endian length][JSON payload]. The framing is grounded in
// record.go; there is no checksum, so a malformed tail is detected only by
// a short frame or a JSON parse failure.
package wal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// Entry is one committed WAL record: a monotonically increasing sequence
// number paired with its opaque operation payload.
type Entry struct {
	Seq uint64          `json:"seq"`
	Op  json.RawMessage `json:"op"`
}

// WAL manages the append-only log sibling file for one canonical file path.
type WAL struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	seq  uint64
}

// Open opens (creating if necessary) the WAL file at path for appending.
func Open(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	return &WAL{file: f, w: bufio.NewWriter(f)}, nil
}

// SetSeq sets the current sequence counter, used by Recovery to resume
// numbering after replaying existing entries.
func (w *WAL) SetSeq(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq = seq
}

// Append serializes op as this entry's payload, assigns it the next
// sequence number, writes the length-framed record, and flushes+syncs the
// file descriptor before returning — the durability an append is
// acknowledged under.
func (w *WAL) Append(op interface{}) (uint64, error) {
	payload, err := json.Marshal(op)
	if err != nil {
		return 0, fmt.Errorf("wal: encode op: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	entry := Entry{Seq: w.seq, Op: payload}
	frame, err := json.Marshal(entry)
	if err != nil {
		w.seq--
		return 0, fmt.Errorf("wal: encode entry: %w", err)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))

	if _, err := w.w.Write(lenBuf[:]); err != nil {
		w.seq--
		return 0, fmt.Errorf("wal: write length: %w", err)
	}
	if _, err := w.w.Write(frame); err != nil {
		w.seq--
		return 0, fmt.Errorf("wal: write payload: %w", err)
	}
	if err := w.w.Flush(); err != nil {
		w.seq--
		return 0, fmt.Errorf("wal: flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.seq--
		return 0, fmt.Errorf("wal: sync: %w", err)
	}
	return entry.Seq, nil
}

// Truncate empties the log and resets the sequence counter to zero,
// performed only after a snapshot rename has completed.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}
	w.w = bufio.NewWriter(w.file)
	w.seq = 0
	return nil
}

// Close flushes and closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("wal: flush on close: %w", err)
	}
	return w.file.Close()
}

// ReadAll reads every well-formed entry from the WAL file at path in order.
// Malformed trailing data — a short read, a length exceeding remaining
// bytes, or a parse failure — is silently ignored and reading stops at the
// last good boundary, modeling a crash mid-append.
func ReadAll(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: read %s: %w", path, err)
	}

	var entries []Entry
	offset := 0
	for offset < len(data) {
		if offset+4 > len(data) {
			break // short read of the length prefix: crash mid-append
		}
		length := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		offset += 4
		if length < 0 || offset+length > len(data) {
			break // length exceeds remaining bytes: crash mid-append
		}
		var entry Entry
		if err := json.Unmarshal(data[offset:offset+length], &entry); err != nil {
			break // parse failure: treat as the crash boundary
		}
		entries = append(entries, entry)
		offset += length
	}
	return entries, nil
}

// TruncateToLastGood rewrites the WAL file at path to contain only the
// bytes covering well-formed entries, discarding a malformed trailing
// fragment left by a crash mid-append.
func TruncateToLastGood(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("wal: read %s: %w", path, err)
	}

	offset := 0
	for offset < len(data) {
		if offset+4 > len(data) {
			break
		}
		length := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		if length < 0 || offset+4+length > len(data) {
			break
		}
		var entry Entry
		if err := json.Unmarshal(data[offset+4:offset+4+length], &entry); err != nil {
			break
		}
		offset += 4 + length
	}
	if offset == len(data) {
		return nil
	}
	return os.WriteFile(path, data[:offset], 0o644)
}

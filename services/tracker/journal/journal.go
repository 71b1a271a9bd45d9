// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal keeps a tamper-evident, append-only trail of every applied
// transition.
//
// Each line of the journal file is a JSON Entry. Entries are linked by
// SHA-256: EntryHash covers the entry's fields and the previous entry's
// hash, so editing or removing a line breaks verification from that point
// on.
package journal

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// GenesisHash is the PrevHash of the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

const journalFileMode = 0600

// ErrClosed is returned when appending to a closed journal.
var ErrClosed = errors.New("journal is closed")

// Change is one status change recorded in an entry.
type Change struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Entry is one journal line.
type Entry struct {
	Sequence         int64    `json:"sequence"`
	Timestamp        string   `json:"timestamp"`
	EventID          string   `json:"event_id"`
	EventKind        string   `json:"event_kind"`
	PipelineRecordID string   `json:"pipeline_record_id"`
	Actor            string   `json:"actor,omitempty"`
	Result           string   `json:"result"`
	Changes          []Change `json:"changes"`
	PrevHash         string   `json:"prev_hash"`
	EntryHash        string   `json:"entry_hash"`
}

// Journal records applied transitions.
type Journal interface {
	// Append assigns the entry its sequence, timestamp and hashes and writes
	// it. The completed entry is returned.
	Append(e Entry) (Entry, error)
	Close() error
}

// NopJournal discards entries.
type NopJournal struct{}

func (NopJournal) Append(e Entry) (Entry, error) { return e, nil }
func (NopJournal) Close() error                  { return nil }

// FileJournal is a Journal backed by a JSON-lines file.
//
// # Limitations
//
//   - Rotation is left to external tooling; verifying a rotated chain needs
//     the older files.
//
// # Thread Safety
//
// Safe for concurrent use.
type FileJournal struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	sequence int64
	prevHash string
	now      func() time.Time
}

// Open opens or creates the journal at path and resumes its chain.
func Open(path string) (*FileJournal, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, journalFileMode)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j := &FileJournal{
		file:     file,
		path:     path,
		prevHash: GenesisHash,
		now:      time.Now,
	}
	if err := j.resume(); err != nil {
		file.Close()
		return nil, fmt.Errorf("resume journal chain: %w", err)
	}
	slog.Info("transition journal opened", "path", path, "sequence", j.sequence)
	return j, nil
}

// Append implements Journal.
func (j *FileJournal) Append(e Entry) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return Entry{}, ErrClosed
	}

	e.Sequence = j.sequence + 1
	e.Timestamp = j.now().UTC().Format(time.RFC3339Nano)
	e.PrevHash = j.prevHash
	if e.Changes == nil {
		e.Changes = []Change{}
	}
	e.EntryHash = hashEntry(e)

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal journal entry: %w", err)
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("write journal entry: %w", err)
	}

	j.sequence = e.Sequence
	j.prevHash = e.EntryHash
	return e, nil
}

// Sequence returns the sequence of the last entry written.
func (j *FileJournal) Sequence() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.sequence
}

// Path returns the journal file path.
func (j *FileJournal) Path() string {
	return j.path
}

// Close implements Journal.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	if err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	return nil
}

// resume continues the chain from the last entry in the file.
func (j *FileJournal) resume() error {
	return readEntries(j.path, func(e Entry) bool {
		j.sequence = e.Sequence
		j.prevHash = e.EntryHash
		return true
	})
}

// Verify checks the hash chain of the journal at path.
//
// # Outputs
//
//   - valid: True when every entry links to its predecessor and its hash
//     matches its contents.
//   - breakIndex: Zero-based index of the first bad entry, -1 when valid.
//   - err: Non-nil when the file cannot be read.
func Verify(path string) (valid bool, breakIndex int64, err error) {
	prev := GenesisHash
	var index int64
	valid = true
	breakIndex = -1

	err = readEntries(path, func(e Entry) bool {
		if e.PrevHash != prev || hashEntry(e) != e.EntryHash {
			valid = false
			breakIndex = index
			return false
		}
		prev = e.EntryHash
		index++
		return true
	})
	if err != nil {
		return false, -1, err
	}
	return valid, breakIndex, nil
}

// Count returns the number of entries in the journal at path.
func Count(path string) (int64, error) {
	var n int64
	err := readEntries(path, func(Entry) bool {
		n++
		return true
	})
	return n, err
}

// readEntries calls fn for each entry line until fn returns false. Lines
// that are not entries are skipped. A missing file has no entries.
func readEntries(path string, fn func(Entry) bool) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open journal for reading: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil || e.Sequence == 0 {
			continue
		}
		if !fn(e) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	return nil
}

// hashEntry hashes every field except EntryHash in a fixed order.
func hashEntry(e Entry) string {
	changes := make([]string, 0, len(e.Changes))
	for _, c := range e.Changes {
		changes = append(changes, c.Kind+":"+c.ID+":"+c.From+">"+c.To)
	}
	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%s",
		e.Sequence,
		e.Timestamp,
		e.EventID,
		e.EventKind,
		e.PipelineRecordID,
		e.Actor,
		e.Result,
		strings.Join(changes, ","),
		e.PrevHash,
	)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/msageha/ozwatch/internal/model"
	"github.com/msageha/ozwatch/internal/zwave"
)

const (
	// Archive directory name
	ArchiveDir = "archive"
)

// Record is a single journal entry.
type Record struct {
	Seq      uint64      `json:"seq" cbor:"seq"`
	Event    zwave.Event `json:"event" cbor:"event"`
	Checksum string      `json:"checksum,omitempty" cbor:"checksum,omitempty"`
}

// Journal is an append-only record of dispatched notifications with
// size-based rotation into an archive directory.
type Journal struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	path            string
	format          string
	seq             uint64
	enableChecksum  bool
	rotationCounter int
}

// NewJournal opens (or creates) a journal at path in the given format.
func NewJournal(path, format string, maxSize int64) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = model.DefaultJournalMaxSize
	}
	switch format {
	case "":
		format = model.JournalFormatJSONL
	case model.JournalFormatJSONL, model.JournalFormatCBOR:
	default:
		return nil, fmt.Errorf("unsupported journal format %q", format)
	}

	j := &Journal{
		path:    path,
		format:  format,
		maxSize: maxSize,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	if err := j.openFile(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) openFile() error {
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat journal: %w", err)
	}

	j.file = file
	j.currentSize = stat.Size()
	return nil
}

// EnableChecksum enables checksum calculation for records.
func (j *Journal) EnableChecksum(enable bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.enableChecksum = enable
}

// Append writes one notification to the journal.
func (j *Journal) Append(ev zwave.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("journal %s is closed", j.path)
	}

	j.seq++
	rec := Record{Seq: j.seq, Event: ev}
	if j.enableChecksum {
		sum, err := checksum(rec, j.format)
		if err != nil {
			return err
		}
		rec.Checksum = sum
	}

	data, err := encodeRecord(rec, j.format)
	if err != nil {
		return err
	}

	if j.currentSize+int64(len(data)) > j.maxSize {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("failed to rotate journal: %w", err)
		}
	}

	n, err := j.file.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write journal record: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}

	j.currentSize += int64(n)
	return nil
}

func encodeRecord(rec Record, format string) ([]byte, error) {
	if format == model.JournalFormatCBOR {
		data, err := encMode.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode journal record: %w", err)
		}
		return data, nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode journal record: %w", err)
	}
	return append(data, '\n'), nil
}

func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("failed to close current journal: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(j.path), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	j.rotationCounter++
	base := filepath.Base(j.path)
	ext := filepath.Ext(base)
	archiveName := fmt.Sprintf("%s.%s.%d%s", strings.TrimSuffix(base, ext), timestamp, j.rotationCounter, ext)

	if err := os.Rename(j.path, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("failed to archive journal: %w", err)
	}
	if err := j.openFile(); err != nil {
		return fmt.Errorf("failed to open new journal: %w", err)
	}
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	f := j.file
	j.file = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) Format() string {
	return j.format
}

func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.currentSize
}

// ReadJournal returns every record in the journal at path. Malformed JSONL
// lines are skipped; a malformed CBOR item ends the read with an error
// since the stream cannot be resynchronized.
func ReadJournal(path, format string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	var records []Record
	switch format {
	case model.JournalFormatCBOR:
		dec := decMode.NewDecoder(bufio.NewReader(f))
		for {
			var rec Record
			err := dec.Decode(&rec)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return records, fmt.Errorf("journal %s: record %d: %w", path, len(records)+1, err)
			}
			records = append(records, rec)
		}
	case "", model.JournalFormatJSONL:
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			var rec Record
			if err := json.Unmarshal(line, &rec); err != nil {
				continue
			}
			records = append(records, rec)
		}
		if err := scanner.Err(); err != nil {
			return records, fmt.Errorf("journal %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported journal format %q", format)
	}
	return records, nil
}

// ReadEvents is ReadJournal without the record envelope.
func ReadEvents(path, format string) ([]zwave.Event, error) {
	records, err := ReadJournal(path, format)
	events := make([]zwave.Event, len(records))
	for i, r := range records {
		events[i] = r.Event
	}
	return events, err
}

// FormatForPath guesses the journal format from the file extension.
func FormatForPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".cbor") {
		return model.JournalFormatCBOR
	}
	return model.JournalFormatJSONL
}

// VerifyJournal reports how many records are present and how many carry
// a valid checksum or none at all.
func VerifyJournal(path, format string) (int, int, error) {
	records, err := ReadJournal(path, format)
	if err != nil {
		return 0, 0, err
	}
	valid := 0
	for _, rec := range records {
		if rec.Checksum == "" {
			valid++
			continue
		}
		expected := rec.Checksum
		rec.Checksum = ""
		actual, err := checksum(rec, format)
		if err == nil && actual == expected {
			valid++
		}
	}
	return len(records), valid, nil
}

func checksum(rec Record, format string) (string, error) {
	rec.Checksum = ""
	data, err := encodeRecord(rec, format)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", simpleHash(data)), nil
}

// simpleHash is djb2.
func simpleHash(data []byte) uint64 {
	var hash uint64 = 5381
	for _, b := range data {
		hash = ((hash << 5) + hash) + uint64(b)
	}
	return hash
}

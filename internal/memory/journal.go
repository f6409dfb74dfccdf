package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// journal is the optional newline-delimited JSON persistence layer: one
// Record per line, append-only, compacted in place when the file grows past
// the configured cap.
type journal struct {
	mu       sync.Mutex
	path     string
	capBytes int64
	file     *os.File
	written  int64
}

func openJournal(path string, capBytes int64) (*journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	return &journal{path: path, capBytes: capBytes, file: file, written: info.Size()}, nil
}

// replay reads every record currently in the journal. Corrupt lines are
// skipped; a partial trailing line (crash mid-write) is tolerated.
func (j *journal) replay() ([]Record, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

func (j *journal) append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	n, err := j.file.Write(data)
	j.written += int64(n)
	if err != nil {
		return err
	}
	if j.capBytes > 0 && j.written > j.capBytes {
		return j.compactLocked()
	}
	return nil
}

// compactLocked rewrites the journal keeping only parseable lines, dropping
// the oldest half when still over the cap. Called with j.mu held.
func (j *journal) compactLocked() error {
	recs, err := j.replay()
	if err != nil {
		return err
	}
	if len(recs) > 1 {
		recs = recs[len(recs)/2:]
	}

	tmp := j.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	var size int64
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		data = append(data, '\n')
		n, err := w.Write(data)
		size += int64(n)
		if err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	j.file.Close()
	if err := os.Rename(tmp, j.path); err != nil {
		return err
	}
	file, err := os.OpenFile(j.path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	j.file = file
	j.written = size
	return nil
}

func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"

	"github.com/stellarlinkco/orion/internal/scheduler"
)

// JSONFile keeps all jobs in one JSON document that is rewritten atomically
// on every mutation.
type JSONFile struct {
	path string
	mu   sync.Mutex
	jobs map[string]scheduler.Record
}

func OpenJSONFile(path string) (*JSONFile, error) {
	f := &JSONFile{path: path, jobs: make(map[string]scheduler.Record)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}
	var recs []scheduler.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	for _, r := range recs {
		f.jobs[r.JobID] = r
	}
	return f, nil
}

func (f *JSONFile) Put(_ context.Context, rec scheduler.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, had := f.jobs[rec.JobID]
	f.jobs[rec.JobID] = rec
	if err := f.save(); err != nil {
		if had {
			f.jobs[rec.JobID] = prev
		} else {
			delete(f.jobs, rec.JobID)
		}
		return err
	}
	return nil
}

func (f *JSONFile) Remove(_ context.Context, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.jobs[jobID]
	if !ok {
		return false, nil
	}
	delete(f.jobs, jobID)
	if err := f.save(); err != nil {
		f.jobs[jobID] = rec
		return false, err
	}
	return true, nil
}

func (f *JSONFile) ListDue(_ context.Context, before time.Time) ([]scheduler.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []scheduler.Record
	for _, r := range f.jobs {
		if !r.FireAt.After(before) {
			out = append(out, r)
		}
	}
	sortByFireTime(out)
	return out, nil
}

func (f *JSONFile) ListAll(_ context.Context) ([]scheduler.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]scheduler.Record, 0, len(f.jobs))
	for _, r := range f.jobs {
		out = append(out, r)
	}
	sortByFireTime(out)
	return out, nil
}

func (f *JSONFile) Close() error { return nil }

func (f *JSONFile) save() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	recs := make([]scheduler.Record, 0, len(f.jobs))
	for _, r := range f.jobs {
		recs = append(recs, r)
	}
	sortByFireTime(recs)
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode jobs: %w", err)
	}
	if err := atomicwriter.WriteFile(f.path, data, 0644); err != nil {
		return fmt.Errorf("write job file: %w", err)
	}
	return nil
}

func sortByFireTime(recs []scheduler.Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].FireAt.Before(recs[j].FireAt) })
}

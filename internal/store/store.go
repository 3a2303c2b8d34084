package store

import (
	"fmt"
	"io"

	"github.com/stellarlinkco/orion/internal/scheduler"
)

const (
	KindSQLite = "sqlite"
	KindJSON   = "json"
)

// JobStore is a scheduler.JobStore that owns a resource.
type JobStore interface {
	scheduler.JobStore
	io.Closer
}

// Open returns the job store of the given kind at path.
func Open(kind, path string) (JobStore, error) {
	switch kind {
	case "", KindSQLite:
		return OpenSQLite(path)
	case KindJSON:
		return OpenJSONFile(path)
	}
	return nil, fmt.Errorf("unknown job store kind %q", kind)
}

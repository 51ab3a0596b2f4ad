package reconcile

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Direction is which side of a pass is the source of truth.
type Direction string

// Pass directions.
const (
	LocalToRemote Direction = "local-to-remote"
	RemoteToLocal Direction = "remote-to-local"
)

// Op names the operation an ItemFailure was attempting.
type Op string

// Per-item operations.
const (
	OpList        Op = "list"
	OpUpload      Op = "upload"
	OpDownload    Op = "download"
	OpDelete      Op = "delete"
	OpMkdir       Op = "mkdir"
	OpPlaceholder Op = "placeholder"
	OpNotify      Op = "notify"
)

// ItemFailure records one operation that failed without stopping the pass.
type ItemFailure struct {
	Path string
	Op   Op
	Err  error
}

// MarshalJSON renders Err as its message.
func (f ItemFailure) MarshalJSON() ([]byte, error) {
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}

	return json.Marshal(struct {
		Path  string `json:"path"`
		Op    Op     `json:"op"`
		Error string `json:"error"`
	}{f.Path, f.Op, msg})
}

// Report summarizes a pass. Counters are safe for concurrent update.
type Report struct {
	mu sync.Mutex

	BlogID       string        `json:"blog_id"`
	Backend      string        `json:"backend"`
	Direction    Direction     `json:"direction"`
	Uploads      int           `json:"uploads"`
	Downloads    int           `json:"downloads"`
	Deletes      int           `json:"deletes"`
	DirsCreated  int           `json:"dirs_created"`
	Placeholders int           `json:"placeholders"`
	Identical    int           `json:"identical"`
	Bytes        int64         `json:"bytes"`
	Failures     []ItemFailure `json:"failures"`
	Cursor       string        `json:"cursor,omitempty"`
	Aborted      bool          `json:"aborted"`
	Duration     time.Duration `json:"duration_ns"`
}

func (r *Report) add(counter *int, bytes int64) {
	r.mu.Lock()
	*counter++
	r.Bytes += bytes
	r.mu.Unlock()
}

func (r *Report) fail(path string, op Op, err error) {
	r.mu.Lock()
	r.Failures = append(r.Failures, ItemFailure{Path: path, Op: op, Err: err})
	r.mu.Unlock()
}

// Succeeded counts mutating operations that completed.
func (r *Report) Succeeded() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.Uploads + r.Downloads + r.Deletes + r.DirsCreated + r.Placeholders
}

// Transfers counts uploads and downloads.
func (r *Report) Transfers() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.Uploads + r.Downloads
}

// Failed reports whether any item failed.
func (r *Report) Failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.Failures) > 0
}

// onlyFailedDeletes reports a pass in which nothing succeeded and at least
// one deletion failed: the destination may now be silently inconsistent.
func (r *Report) onlyFailedDeletes() bool {
	if r.Succeeded() > 0 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, f := range r.Failures {
		if f.Op == OpDelete {
			return true
		}
	}

	return false
}

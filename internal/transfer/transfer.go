// Package transfer holds the values exchanged between the relay core and its
// collaborators: requests, results, progress snapshots and the error taxonomy.
package transfer

import (
	"fmt"
)

// Request is a single download request. It is passed by value and never
// mutated once submitted.
type Request struct {
	Source       string
	Filename     string
	PreferDaemon bool
}

// NewRequest builds a request for source that prefers the download daemon for
// direct URLs.
func NewRequest(source string) Request {
	return Request{Source: source, PreferDaemon: true}
}

// WithFilename returns a copy of r asking for the given output name.
func (r Request) WithFilename(name string) Request {
	r.Filename = name

	return r
}

// ResultKind tells a single file apart from the root of a multi-file job.
type ResultKind int

const (
	ResultFile ResultKind = iota
	ResultDirectory
)

func (k ResultKind) String() string {
	if k == ResultDirectory {
		return "directory"
	}

	return "file"
}

// Result is the outcome of a completed download.
type Result struct {
	Path string
	Kind ResultKind
}

// File returns a single-file result.
func File(path string) Result {
	return Result{Path: path, Kind: ResultFile}
}

// Directory returns a result pointing at the root directory of a multi-file job.
func Directory(path string) Result {
	return Result{Path: path, Kind: ResultDirectory}
}

func (r Result) IsDir() bool {
	return r.Kind == ResultDirectory
}

func (r Result) String() string {
	return fmt.Sprintf("%s %s", r.Kind, r.Path)
}

// Progress is a point-in-time view of a running download. Total and Speed are
// zero when unknown.
type Progress struct {
	Downloaded uint64
	Total      uint64
	Percentage float64
	Speed      uint64
}

// NewProgress computes the percentage for downloaded out of total, clamped to [0,100].
func NewProgress(downloaded, total, speed uint64) Progress {
	p := Progress{Downloaded: downloaded, Total: total, Speed: speed}

	if total > 0 {
		p.Percentage = min(float64(downloaded)*100/float64(total), 100)
	}

	return p
}

// ProgressFunc receives progress snapshots. It is called synchronously on the
// download goroutine, so a slow callback slows the download down. Downloaded
// is only monotonic within one attempt: a retried fetch restarts from zero.
type ProgressFunc func(Progress)

// Report calls f when it is set.
func (f ProgressFunc) Report(p Progress) {
	if f != nil {
		f(p)
	}
}

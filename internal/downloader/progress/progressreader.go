package progress

import (
	"io"
	"time"

	"github.com/italolelis/leech_relay/internal/transfer"
)

// Reader wraps an io.Reader and reports a transfer.Progress every time another
// chunkSize bytes went through it, plus once at EOF for the trailing partial chunk.
type Reader struct {
	Reader     io.Reader
	Total      int64 // <= 0 when unknown
	OnProgress transfer.ProgressFunc

	chunkSize  int64
	totalRead  int64 // cumulative total
	lastReport int64 // bytes since last report
	start      time.Time
	now        func() time.Time
}

func NewReader(r io.Reader, total int64, chunkSize int64, cb transfer.ProgressFunc) *Reader {
	if chunkSize <= 0 {
		chunkSize = 1
	}

	return &Reader{
		Reader:     r,
		Total:      total,
		OnProgress: cb,
		chunkSize:  chunkSize,
		start:      time.Now(),
		now:        time.Now,
	}
}

// Read implements io.Reader.
func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		for pr.lastReport >= pr.chunkSize {
			pr.lastReport -= pr.chunkSize
			pr.report(pr.totalRead - pr.lastReport)
		}
	}

	if err == io.EOF && pr.lastReport > 0 {
		pr.lastReport = 0
		pr.report(pr.totalRead)
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.totalRead
}

func (pr *Reader) report(downloaded int64) {
	if pr.OnProgress == nil {
		return
	}

	var speed uint64
	if elapsed := pr.now().Sub(pr.start).Seconds(); elapsed > 0 {
		speed = uint64(float64(downloaded) / elapsed)
	}

	var total uint64
	if pr.Total > 0 {
		total = uint64(pr.Total)
	}

	pr.OnProgress(transfer.NewProgress(uint64(downloaded), total, speed))
}

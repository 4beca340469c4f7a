package aria2

import (
	"strings"
	"unicode"

	"github.com/italolelis/leech_relay/internal/transfer"
)

// State is the aria2 job status.
type State string

const (
	StateActive   State = "active"
	StateWaiting  State = "waiting"
	StatePaused   State = "paused"
	StateError    State = "error"
	StateComplete State = "complete"
	StateRemoved  State = "removed"
)

// Status is one immutable snapshot of a job, taken by a single tellStatus call.
type Status struct {
	GID             string
	State           State
	Completed       bool
	Error           string // sanitized daemon message, empty unless the job failed
	ErrorCode       string
	TotalLength     uint64
	CompletedLength uint64
	DownloadSpeed   uint64
	Files           []string // output paths in daemon order, empty paths dropped
	FollowedBy      []string
	Dir             string
	Name            string // torrent name when known
}

// Progress converts the snapshot into a progress report.
func (s Status) Progress() transfer.Progress {
	return transfer.NewProgress(s.CompletedLength, s.TotalLength, s.DownloadSpeed)
}

var statusKeys = []string{
	"gid", "status", "totalLength", "completedLength", "downloadSpeed",
	"errorCode", "errorMessage", "followedBy", "dir", "files", "bittorrent",
}

type statusResponse struct {
	GID             string   `json:"gid"`
	Status          string   `json:"status"`
	TotalLength     uint64   `json:"totalLength,string"`
	CompletedLength uint64   `json:"completedLength,string"`
	DownloadSpeed   uint64   `json:"downloadSpeed,string"`
	ErrorCode       string   `json:"errorCode"`
	ErrorMessage    string   `json:"errorMessage"`
	FollowedBy      []string `json:"followedBy"`
	Dir             string   `json:"dir"`
	Files           []struct {
		Path string `json:"path"`
	} `json:"files"`
	Bittorrent *struct {
		Info *struct {
			Name string `json:"name"`
		} `json:"info"`
	} `json:"bittorrent"`
}

func (r statusResponse) snapshot() Status {
	st := Status{
		GID:             r.GID,
		State:           State(r.Status),
		Completed:       r.Status == string(StateComplete),
		ErrorCode:       r.ErrorCode,
		TotalLength:     r.TotalLength,
		CompletedLength: r.CompletedLength,
		DownloadSpeed:   r.DownloadSpeed,
		FollowedBy:      r.FollowedBy,
		Dir:             r.Dir,
	}

	for _, f := range r.Files {
		if f.Path != "" {
			st.Files = append(st.Files, f.Path)
		}
	}

	if r.Bittorrent != nil && r.Bittorrent.Info != nil {
		st.Name = r.Bittorrent.Info.Name
	}

	switch st.State {
	case StateError:
		st.Error = sanitizeMessage(r.ErrorMessage)
		if st.Error == "" {
			st.Error = "aria2 reported error code " + r.ErrorCode
		}
	case StateRemoved:
		st.Error = "job was removed from the daemon"
	}

	return st
}

// sanitizeMessage strips control characters and chat markup so the daemon's
// text can be shown to an end user verbatim.
func sanitizeMessage(msg string) string {
	msg = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return ' '
		case unicode.IsControl(r):
			return -1
		case strings.ContainsRune("*_`[]", r):
			return -1
		}

		return r
	}, msg)

	return strings.Join(strings.Fields(msg), " ")
}

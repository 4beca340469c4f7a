// Package source decides how a download source string must be served.
package source

import (
	"fmt"
	"os"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/italolelis/leech_relay/internal/transfer"
	"github.com/zeebo/bencode"
)

// Kind is the classification of a source string.
type Kind int

const (
	DirectURL Kind = iota
	Magnet
	TorrentReference
)

func (k Kind) String() string {
	switch k {
	case Magnet:
		return "magnet"
	case TorrentReference:
		return "torrent"
	default:
		return "direct"
	}
}

// NeedsDaemon reports whether the kind can only be served by the download daemon.
func (k Kind) NeedsDaemon() bool {
	return k == Magnet || k == TorrentReference
}

// ExistsFunc reports whether s names an existing local path.
type ExistsFunc func(s string) bool

// Classify classifies s checking the local filesystem for saved torrent files.
func Classify(s string) Kind {
	return ClassifyWith(s, fileExists)
}

// ClassifyWith classifies s using exists for the local path check. The check
// never runs for magnet links, .torrent names or http(s) URLs.
func ClassifyWith(s string, exists ExistsFunc) Kind {
	switch {
	case strings.HasPrefix(s, "magnet:"):
		return Magnet
	case IsTorrentName(s):
		return TorrentReference
	case IsHTTP(s):
		return DirectURL
	case exists != nil && exists(s):
		return TorrentReference
	}

	return DirectURL
}

// IsTorrentName reports whether s ends with a .torrent extension.
func IsTorrentName(s string) bool {
	const ext = ".torrent"

	return len(s) >= len(ext) && strings.EqualFold(s[len(s)-len(ext):], ext)
}

// IsHTTP reports whether s is an http or https URL.
func IsHTTP(s string) bool {
	lower := strings.ToLower(s)

	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// MagnetInfo is the part of a magnet link the relay cares about.
type MagnetInfo struct {
	InfoHash    string
	DisplayName string
	Trackers    []string
}

// ParseMagnet validates a magnet URI and extracts its info hash and display name.
func ParseMagnet(s string) (MagnetInfo, error) {
	m, err := metainfo.ParseMagnetUri(s)
	if err != nil {
		return MagnetInfo{}, fmt.Errorf("invalid magnet link: %w", err)
	}

	return MagnetInfo{
		InfoHash:    m.InfoHash.HexString(),
		DisplayName: m.DisplayName,
		Trackers:    m.Trackers,
	}, nil
}

// fileExists reports whether any file system entry, directories included, is
// found at s.
func fileExists(s string) bool {
	if s == "" {
		return false
	}

	_, err := os.Stat(s)

	return err == nil
}

// MaxMetainfoSize bounds .torrent payloads read into memory.
const MaxMetainfoSize = 10 * 1024 * 1024

// ValidateMetainfo checks that data is a bencoded torrent with an info dictionary.
func ValidateMetainfo(data []byte) error {
	if len(data) > MaxMetainfoSize {
		return &transfer.InvalidSourceError{
			Source: "metainfo",
			Reason: fmt.Sprintf("size %d bytes exceeds maximum %d bytes", len(data), MaxMetainfoSize),
		}
	}

	var torrentData interface{}
	if err := bencode.DecodeBytes(data, &torrentData); err != nil {
		return &transfer.InvalidSourceError{
			Source: "metainfo",
			Reason: fmt.Sprintf("invalid bencode structure: %v", err),
			Err:    err,
		}
	}

	dict, ok := torrentData.(map[string]interface{})
	if !ok {
		return &transfer.InvalidSourceError{Source: "metainfo", Reason: "bencode root must be a dictionary"}
	}

	if _, hasInfo := dict["info"]; !hasInfo {
		return &transfer.InvalidSourceError{Source: "metainfo", Reason: "bencode missing required 'info' dictionary"}
	}

	return nil
}

// Package aria2test provides an in-process fake of the aria2 JSON-RPC endpoint.
package aria2test

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

// Job is one tellStatus answer for a GID.
type Job struct {
	Status          string
	TotalLength     uint64
	CompletedLength uint64
	DownloadSpeed   uint64
	ErrorCode       string
	ErrorMessage    string
	FollowedBy      []string
	Dir             string
	Files           []string
	Name            string
}

// Call is a recorded RPC call with the secret token stripped from Params.
type Call struct {
	Method string
	Params []json.RawMessage
}

type Server struct {
	*httptest.Server

	secret string

	mu             sync.Mutex
	calls          []Call
	pending        []string
	jobs           map[string][]Job
	polls          map[string]int
	failHandshakes int
	rejected       map[string]string
	version        string
}

// New starts a fake daemon that expects secret on every call. It is closed
// when the test ends.
func New(t testing.TB, secret string) *Server {
	t.Helper()

	s := &Server{
		secret:   secret,
		jobs:     make(map[string][]Job),
		polls:    make(map[string]int),
		rejected: make(map[string]string),
		version:  "1.37.0",
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)

	return s
}

// HostPort returns the address the fake listens on.
func (s *Server) HostPort() (string, int) {
	host, port, _ := net.SplitHostPort(s.Listener.Addr().String())
	p, _ := strconv.Atoi(port)

	return host, p
}

// FailHandshakes answers the next n aria2.getVersion calls with an HTTP 500.
func (s *Server) FailHandshakes(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failHandshakes = n
}

// RejectURI makes aria2.addUri fail with message for uri, the way aria2
// refuses links it cannot use.
func (s *Server) RejectURI(uri, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rejected[uri] = message
}

func (s *Server) rejectedURI(uris []string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range uris {
		if msg, ok := s.rejected[u]; ok {
			return msg, true
		}
	}

	return "", false
}

// Enqueue makes the next add call return gid and registers its snapshots.
func (s *Server) Enqueue(gid string, snapshots ...Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, gid)
	s.jobs[gid] = snapshots
}

// SetJob registers snapshots for gid without tying it to an add call, e.g. for
// a followedBy successor. Each tellStatus returns the next snapshot and the
// last one repeats.
func (s *Server) SetJob(gid string, snapshots ...Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[gid] = snapshots
}

// Calls returns every recorded call.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Call(nil), s.calls...)
}

// CallsTo returns the recorded calls of method.
func (s *Server) CallsTo(method string) []Call {
	var out []Call

	for _, c := range s.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}

	return out
}

type request struct {
	ID     string            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/jsonrpc" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "", -32700, "Parse error.")
		return
	}

	params := req.Params
	if s.secret != "" {
		var token string
		if len(params) > 0 {
			_ = json.Unmarshal(params[0], &token)
		}

		if token != "token:"+s.secret {
			writeError(w, req.ID, 1, "Unauthorized")
			return
		}

		params = params[1:]
	}

	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: req.Method, Params: params})
	s.mu.Unlock()

	switch req.Method {
	case "aria2.getVersion":
		s.mu.Lock()
		fail := s.failHandshakes > 0
		if fail {
			s.failHandshakes--
		}
		version := s.version
		s.mu.Unlock()

		if fail {
			http.Error(w, "daemon starting", http.StatusInternalServerError)
			return
		}

		writeResult(w, req.ID, map[string]interface{}{"version": version, "enabledFeatures": []string{"BitTorrent", "Metalink"}})
	case "aria2.addUri", "aria2.addTorrent":
		if req.Method == "aria2.addUri" && len(params) > 0 {
			var uris []string
			_ = json.Unmarshal(params[0], &uris)

			if msg, ok := s.rejectedURI(uris); ok {
				writeError(w, req.ID, 1, msg)
				return
			}
		}

		s.mu.Lock()
		var gid string
		if len(s.pending) > 0 {
			gid, s.pending = s.pending[0], s.pending[1:]
		} else {
			gid = fmt.Sprintf("%016x", len(s.calls))
		}
		s.mu.Unlock()

		writeResult(w, req.ID, gid)
	case "aria2.tellStatus":
		var gid string
		if len(params) > 0 {
			_ = json.Unmarshal(params[0], &gid)
		}

		job, ok := s.next(gid)
		if !ok {
			writeError(w, req.ID, 1, fmt.Sprintf("GID %s is not found", gid))
			return
		}

		writeResult(w, req.ID, encodeJob(gid, job))
	case "aria2.remove", "aria2.forceRemove":
		var gid string
		if len(params) > 0 {
			_ = json.Unmarshal(params[0], &gid)
		}

		writeResult(w, req.ID, gid)
	default:
		writeError(w, req.ID, 1, "No such method: "+req.Method)
	}
}

func (s *Server) next(gid string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots, ok := s.jobs[gid]
	if !ok || len(snapshots) == 0 {
		return Job{}, false
	}

	i := s.polls[gid]
	if i >= len(snapshots) {
		i = len(snapshots) - 1
	}

	s.polls[gid]++

	return snapshots[i], true
}

func encodeJob(gid string, j Job) map[string]interface{} {
	files := make([]map[string]string, 0, len(j.Files))
	for _, f := range j.Files {
		files = append(files, map[string]string{"path": f})
	}

	out := map[string]interface{}{
		"gid":             gid,
		"status":          j.Status,
		"totalLength":     strconv.FormatUint(j.TotalLength, 10),
		"completedLength": strconv.FormatUint(j.CompletedLength, 10),
		"downloadSpeed":   strconv.FormatUint(j.DownloadSpeed, 10),
		"dir":             j.Dir,
		"files":           files,
	}

	if j.ErrorCode != "" {
		out["errorCode"] = j.ErrorCode
	}

	if j.ErrorMessage != "" {
		out["errorMessage"] = j.ErrorMessage
	}

	if len(j.FollowedBy) > 0 {
		out["followedBy"] = j.FollowedBy
	}

	if j.Name != "" {
		out["bittorrent"] = map[string]interface{}{"info": map[string]string{"name": j.Name}}
	}

	return out
}

func writeResult(w http.ResponseWriter, id string, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": result})
}

func writeError(w http.ResponseWriter, id string, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]interface{}{"code": code, "message": msg},
	})
}

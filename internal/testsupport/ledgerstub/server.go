// Package ledgerstub fakes an AO process: a compute unit answering dry-run
// reads and a message relay accepting writes. It keeps just enough state
// (live streams, chat) for writes to be visible in later reads.
package ledgerstub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Options describes how the fake process should behave.
type Options struct {
	ProcessID string

	// Streams seeds the GetLiveStreams reply. Each entry is encoded as-is, so
	// tests can supply loosely typed records.
	Streams []map[string]any

	// RawLiveStreams, when set, replaces the encoded Streams payload verbatim.
	RawLiveStreams string

	// FailDryRuns causes the first N dry-run requests to fail with
	// FailStatus (503 when unset). Later requests succeed.
	FailDryRuns int
	// FailMessages does the same for message submissions.
	FailMessages int
	FailStatus   int

	// ProcessError is returned in the Error field of every dry-run reply.
	ProcessError string

	// Token, when set, is required as a bearer token on message submissions.
	Token string
}

// Operation is one recorded request.
type Operation struct {
	Kind    string
	Action  string
	Tags    map[string]string
	Data    string
	Attempt int
	Status  int
}

// Process hosts a single httptest.Server serving both endpoints:
//
//	POST /dry-run?process-id=P   compute unit
//	POST /message                message relay
//	GET  /                       compute unit info
type Process struct {
	server *httptest.Server
	opts   Options

	mu         sync.Mutex
	operations []Operation
	dryRuns    int
	messages   int
	streams    []map[string]any
	chat       []map[string]any
}

// Start spins up a fake process.
func Start(opts Options) *Process {
	if opts.ProcessID == "" {
		opts.ProcessID = "test-process"
	}
	if opts.FailStatus == 0 {
		opts.FailStatus = http.StatusServiceUnavailable
	}
	p := &Process{opts: opts, streams: append([]map[string]any(nil), opts.Streams...)}
	p.server = httptest.NewServer(http.HandlerFunc(p.handle))
	return p
}

func (p *Process) Close() {
	p.server.Close()
}

// ComputeURL is the dry-run base URL.
func (p *Process) ComputeURL() string {
	return p.server.URL
}

// MessageURL is the write relay URL.
func (p *Process) MessageURL() string {
	return p.server.URL + "/message"
}

// Operations returns a copy of recorded requests in arrival order.
func (p *Process) Operations() []Operation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Operation, len(p.operations))
	copy(out, p.operations)
	return out
}

// Chat returns the chat payloads received so far.
func (p *Process) Chat() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]map[string]any(nil), p.chat...)
}

func (p *Process) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/":
		writeJSON(w, http.StatusOK, map[string]string{"unit": "stub"})
	case r.Method == http.MethodPost && r.URL.Path == "/dry-run":
		p.handleDryRun(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/message":
		p.handleMessage(w, r)
	default:
		http.Error(w, "unexpected request", http.StatusNotFound)
	}
}

type tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func tagMap(tags []tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[t.Name] = t.Value
	}
	return out
}

func (p *Process) handleDryRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"Target"`
		Tags   []tag  `json:"Tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if r.URL.Query().Get("process-id") != p.opts.ProcessID || req.Target != p.opts.ProcessID {
		http.Error(w, "unknown process", http.StatusNotFound)
		return
	}
	tags := tagMap(req.Tags)

	p.mu.Lock()
	p.dryRuns++
	op := Operation{Kind: "dry-run", Action: tags["Action"], Tags: tags, Attempt: p.dryRuns, Status: http.StatusOK}
	if p.dryRuns <= p.opts.FailDryRuns {
		op.Status = p.opts.FailStatus
	}
	p.operations = append(p.operations, op)
	var data string
	if op.Status == http.StatusOK {
		data = p.replyLocked(tags)
	}
	p.mu.Unlock()

	if op.Status != http.StatusOK {
		http.Error(w, "compute unit unavailable", op.Status)
		return
	}
	reply := map[string]any{"Messages": []map[string]string{{"Data": data}}}
	if p.opts.ProcessError != "" {
		reply = map[string]any{"Messages": []any{}, "Error": p.opts.ProcessError}
	}
	writeJSON(w, http.StatusOK, reply)
}

func (p *Process) replyLocked(tags map[string]string) string {
	switch tags["Action"] {
	case "GetLiveStreams":
		if p.opts.RawLiveStreams != "" {
			return p.opts.RawLiveStreams
		}
		encoded, _ := json.Marshal(p.streams)
		return string(encoded)
	case "GetChatMessages":
		var out []map[string]any
		for _, msg := range p.chat {
			if id, _ := msg["stream_id"].(string); tags["Stream-Id"] == "" || id == tags["Stream-Id"] {
				out = append(out, msg)
			}
		}
		encoded, _ := json.Marshal(out)
		return string(encoded)
	default:
		return "null"
	}
}

func (p *Process) handleMessage(w http.ResponseWriter, r *http.Request) {
	if p.opts.Token != "" && r.Header.Get("Authorization") != "Bearer "+p.opts.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req struct {
		Process string `json:"process"`
		Tags    []tag  `json:"tags"`
		Data    string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Process != p.opts.ProcessID {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	tags := tagMap(req.Tags)

	p.mu.Lock()
	p.messages++
	op := Operation{Kind: "message", Action: tags["Action"], Tags: tags, Data: req.Data, Attempt: p.messages, Status: http.StatusOK}
	if p.messages <= p.opts.FailMessages {
		op.Status = p.opts.FailStatus
	}
	p.operations = append(p.operations, op)
	if op.Status == http.StatusOK {
		p.applyLocked(op.Action, req.Data)
	}
	p.mu.Unlock()

	if op.Status != http.StatusOK {
		http.Error(w, "relay unavailable", op.Status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": "msg-" + time.Now().Format("150405.000000000")})
}

func (p *Process) applyLocked(action, data string) {
	var payload map[string]any
	if err := json.NewDecoder(strings.NewReader(data)).Decode(&payload); err != nil {
		return
	}
	switch action {
	case "ChatMessage":
		p.chat = append(p.chat, payload)
	case "StartStream":
		key, _ := payload["stream_key"].(string)
		p.removeStreamLocked(key)
		p.streams = append(p.streams, map[string]any{
			"id":           "run-" + key,
			"stream_key":   key,
			"channel_id":   payload["channel_id"],
			"channel_name": payload["channel_name"],
			"title":        payload["title"],
			"category":     payload["category"],
			"started_at":   payload["started_at"],
		})
	case "StopStream":
		key, _ := payload["stream_key"].(string)
		p.removeStreamLocked(key)
	}
}

func (p *Process) removeStreamLocked(key string) {
	kept := p.streams[:0]
	for _, s := range p.streams {
		if k, _ := s["stream_key"].(string); k != key {
			kept = append(kept, s)
		}
	}
	p.streams = kept
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

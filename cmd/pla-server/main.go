// Command pla-server is a WebSocket push server that lets a UI watch
// capture engine state transitions live and fetch the last completed
// capture as JSON. It is not part of the core driver stack — the core
// never renders or persists anything (spec §1 Non-goals) — but it is the
// kind of control plane a complete embedding host needs, grounded in the
// teacher's server.go + handlers.go HTTP/WS surface, repurposed from RF
// streaming to capture-engine event broadcasting.
package main

import (
	"bytes"
	"flag"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	json "github.com/segmentio/encoding/json"

	"github.com/picola-go/pla/pkg/capture"
	"github.com/picola-go/pla/pkg/engine"
)

// client mirrors the teacher's Client: one outbound send channel pumped by
// its own writePump goroutine.
type client struct {
	conn *websocket.Conn
	send chan interface{}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// stateEvent is pushed to every connected client whenever the engine's
// capture state changes.
type stateEvent struct {
	Type  string `json:"type"`
	State string `json:"state"`
	Time  string `json:"time"`
}

// hub fans out engine events to connected clients and caches the last
// completed capture result for the HTTP summary endpoint.
type hub struct {
	mu        sync.RWMutex
	clients   map[*client]bool
	lastEvent engine.CompletionEvent
}

func newHub() *hub {
	return &hub{clients: make(map[*client]bool)}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *hub) broadcast(msg interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

func (h *hub) recordCompletion(ev engine.CompletionEvent) {
	h.mu.Lock()
	h.lastEvent = ev
	h.mu.Unlock()
}

func (h *hub) lastCompletion() engine.CompletionEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastEvent
}

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
}

func main() {
	conn := flag.String("conn", "/dev/ttyACM0", "connection string: serial path or host:port")
	port := flag.Int("p", 8080, "HTTP/WebSocket port")
	flag.Parse()

	e, err := engine.Open(*conn, engine.DefaultConfig)
	if err != nil {
		log.Fatalf("open %s: %v", *conn, err)
	}
	defer e.Close()

	h := newHub()
	go pollState(e, h)

	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("pla-server: websocket upgrade failed: %v", err)
			return
		}
		c := &client{conn: conn, send: make(chan interface{}, 16)}
		h.register(c)
		go c.writePump()
	})

	http.HandleFunc("/capture", func(w http.ResponseWriter, r *http.Request) {
		handleStartCapture(w, r, e, h)
	})

	http.HandleFunc("/summary", func(w http.ResponseWriter, r *http.Request) {
		handleSummary(w, h)
	})

	addr := ":" + strconv.Itoa(*port)
	log.Printf("pla-server: listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

// pollState mirrors the teacher's PSU polling loop shape: it watches the
// engine's State() and pushes a stateEvent to every client on change.
func pollState(e *engine.Engine, h *hub) {
	last := e.State()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		cur := e.State()
		if cur == last {
			continue
		}
		last = cur
		h.broadcast(stateEvent{Type: "state", State: cur.String(), Time: time.Now().UTC().Format(time.RFC3339Nano)})
	}
}

type captureRequestBody struct {
	Frequency          uint32 `json:"frequency"`
	PreTriggerSamples  uint32 `json:"preTriggerSamples"`
	PostTriggerSamples uint32 `json:"postTriggerSamples"`
	LoopCount          uint8  `json:"loopCount"`
	MeasureBursts      bool   `json:"measureBursts"`
	TriggerType        int    `json:"triggerType"`
	TriggerChannel     uint8  `json:"triggerChannel"`
	CaptureChannels    []int  `json:"captureChannels"`
}

func handleStartCapture(w http.ResponseWriter, r *http.Request, e *engine.Engine, h *hub) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var body captureRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	session := &capture.Session{
		Frequency:          body.Frequency,
		PreTriggerSamples:  body.PreTriggerSamples,
		PostTriggerSamples: body.PostTriggerSamples,
		LoopCount:          body.LoopCount,
		MeasureBursts:      body.MeasureBursts,
		TriggerType:        capture.TriggerType(body.TriggerType),
		TriggerChannel:     body.TriggerChannel,
		CaptureChannels:    body.CaptureChannels,
	}
	if err := e.Start(session, func(ev engine.CompletionEvent) {
		h.recordCompletion(ev)
		h.broadcast(stateEvent{Type: "complete", State: e.State().String(), Time: time.Now().UTC().Format(time.RFC3339Nano)})
	}); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// summaryPayload is the JSON shape returned by /summary, describing the
// last completed capture by per-channel sample counts and bursts; the raw
// sample arrays are not served by this server.
type summaryPayload struct {
	Success bool              `json:"success"`
	Error   string            `json:"error,omitempty"`
	Counts  map[string]int    `json:"sampleCounts,omitempty"`
	Bursts  []capture.BurstInfo `json:"bursts,omitempty"`
}

// handleSummary gzips the JSON capture summary, matching the role gzip
// plays in compressing the teacher's streamed payloads.
func handleSummary(w http.ResponseWriter, h *hub) {
	ev := h.lastCompletion()
	payload := summaryPayload{Success: ev.Success}
	if ev.Err != nil {
		payload.Error = ev.Err.Error()
	}
	if ev.Result != nil {
		payload.Counts = make(map[string]int, len(ev.Result.Samples))
		for ch, samples := range ev.Result.Samples {
			payload.Counts[strconv.Itoa(ch)] = len(samples)
		}
		payload.Bursts = ev.Result.Bursts
	}

	body, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	if _, err := zw.Write(body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := zw.Close(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Encoding", "gzip")
	w.Write(gz.Bytes())
}

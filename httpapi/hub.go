package httpapi

import (
	"context"
	"sync"
	"time"

	"pkt.systems/notebookx/core"
	"pkt.systems/notebookx/internal/logx"
	"pkt.systems/notebookx/schema"
)

// Stream event types.
const (
	EventSnapshot    = "snapshot"
	EventStatus      = "status"
	EventOutput      = "output"
	EventSession     = "session"
	EventNotice      = "notice"
	EventInput       = "input"
	EventInputClosed = "input_closed"
)

// StreamEvent is sent to SSE clients.
type StreamEvent struct {
	Seq        uint64                  `json:"seq"`
	Type       string                  `json:"type"`
	NotebookID schema.NotebookID       `json:"notebook_id"`
	Status     *schema.CellStatusEvent `json:"status,omitempty"`
	Output     *schema.CellOutputEvent `json:"output,omitempty"`
	Session    *schema.SessionEvent    `json:"session,omitempty"`
	Notice     *schema.NoticeEvent     `json:"notice,omitempty"`
	Input      *schema.InputRequest    `json:"input,omitempty"`
	Snapshot   *SnapshotPayload        `json:"snapshot,omitempty"`
	Timestamp  time.Time               `json:"timestamp"`
}

// SnapshotPayload seeds client state on connect.
type SnapshotPayload struct {
	NotebookID       schema.NotebookID      `json:"notebook_id"`
	Title            string                 `json:"title,omitempty"`
	Cells            []CellSnapshot         `json:"cells"`
	Session          schema.SessionSnapshot `json:"session"`
	Device           schema.ComputeDevice   `json:"compute_device"`
	Active           schema.CellID          `json:"active,omitempty"`
	Inputs           []schema.InputRequest  `json:"inputs,omitempty"`
	PresenceDeadline *time.Time             `json:"presence_deadline,omitempty"`
	Seq              uint64                 `json:"seq"`
}

// CellSnapshot is the client view of one cell.
type CellSnapshot struct {
	ID       schema.CellID       `json:"id"`
	Code     string              `json:"code"`
	Status   schema.StatusRecord `json:"status"`
	Position *int                `json:"position,omitempty"`
	Output   string              `json:"output,omitempty"`
}

// Hub broadcasts presentation events per notebook and serves stdin prompts through
// connected clients. It implements core.Presenter for every notebook it is attached to.
type Hub struct {
	mu          sync.Mutex
	notebooks   map[schema.NotebookID]*notebookHub
	historySize int
}

var _ core.Presenter = (*Hub)(nil)

type pendingInput struct {
	req    schema.InputRequest
	answer chan inputAnswer
}

type inputAnswer struct {
	line string
	eof  bool
}

type notebookHub struct {
	seq     uint64
	history []StreamEvent
	subs    map[chan StreamEvent]struct{}
	inputs  map[schema.CellID]*pendingInput
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int) *Hub {
	if historySize <= 0 {
		historySize = 1000
	}
	return &Hub{
		notebooks:   make(map[schema.NotebookID]*notebookHub),
		historySize: historySize,
	}
}

// OnCellStatus implements core.Presenter.
func (h *Hub) OnCellStatus(event schema.CellStatusEvent) {
	h.publish(event.NotebookID, StreamEvent{Type: EventStatus, Status: &event})
}

// OnCellOutput implements core.Presenter.
func (h *Hub) OnCellOutput(event schema.CellOutputEvent) {
	h.publish(event.NotebookID, StreamEvent{Type: EventOutput, Output: &event})
}

// OnSessionEvent implements core.Presenter.
func (h *Hub) OnSessionEvent(event schema.SessionEvent) {
	h.publish(event.NotebookID, StreamEvent{Type: EventSession, Session: &event})
}

// OnNotice implements core.Presenter.
func (h *Hub) OnNotice(event schema.NoticeEvent) {
	h.publish(event.NotebookID, StreamEvent{Type: EventNotice, Notice: &event})
}

// RequestInput publishes an input request and waits for a client to answer it. A newer
// request for the same cell replaces the old one.
func (h *Hub) RequestInput(ctx context.Context, req schema.InputRequest) (string, error) {
	pending := &pendingInput{req: req, answer: make(chan inputAnswer, 1)}
	h.mu.Lock()
	nh := h.getOrCreateLocked(req.NotebookID)
	nh.inputs[req.CellID] = pending
	h.mu.Unlock()
	h.publish(req.NotebookID, StreamEvent{Type: EventInput, Input: &req})

	defer func() {
		h.mu.Lock()
		if nh.inputs[req.CellID] == pending {
			delete(nh.inputs, req.CellID)
		}
		h.mu.Unlock()
		h.publish(req.NotebookID, StreamEvent{Type: EventInputClosed, Input: &req})
	}()

	select {
	case answer := <-pending.answer:
		if answer.eof {
			return "", schema.ErrInputClosed
		}
		return answer.line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SubmitInput answers the open input request of a cell. It reports false when none is open.
func (h *Hub) SubmitInput(notebook schema.NotebookID, cell schema.CellID, line string, eof bool) bool {
	h.mu.Lock()
	nh := h.notebooks[notebook]
	var pending *pendingInput
	if nh != nil {
		pending = nh.inputs[cell]
		delete(nh.inputs, cell)
	}
	h.mu.Unlock()
	if pending == nil {
		return false
	}
	pending.answer <- inputAnswer{line: line, eof: eof}
	return true
}

// PendingInputs returns the open input requests of a notebook.
func (h *Hub) PendingInputs(notebook schema.NotebookID) []schema.InputRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	nh := h.notebooks[notebook]
	if nh == nil {
		return nil
	}
	out := make([]schema.InputRequest, 0, len(nh.inputs))
	for _, pending := range nh.inputs {
		out = append(out, pending.req)
	}
	return out
}

// Subscribe registers a subscriber for a notebook.
func (h *Hub) Subscribe(notebook schema.NotebookID) (<-chan StreamEvent, func(), uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	nh := h.getOrCreateLocked(notebook)
	ch := make(chan StreamEvent, 256)
	nh.subs[ch] = struct{}{}
	seq := nh.seq
	log := logx.WithNotebook(context.Background(), notebook)
	log.Info("hub subscribe", "subs", len(nh.subs), "history", len(nh.history))
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(nh.subs, ch)
			close(ch)
			remaining := len(nh.subs)
			h.mu.Unlock()
			log.Info("hub unsubscribe", "subs", remaining)
		})
	}
	return ch, unsub, seq
}

// Seq returns the sequence number of the last event of a notebook.
func (h *Hub) Seq(notebook schema.NotebookID) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if nh := h.notebooks[notebook]; nh != nil {
		return nh.seq
	}
	return 0
}

// Replay returns events after the provided seq.
func (h *Hub) Replay(notebook schema.NotebookID, after uint64) []StreamEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	nh := h.notebooks[notebook]
	if nh == nil {
		return nil
	}
	events := make([]StreamEvent, 0, len(nh.history))
	for _, event := range nh.history {
		if event.Seq > after {
			events = append(events, event)
		}
	}
	logx.WithNotebook(context.Background(), notebook).Debug("hub replay", "after", after, "count", len(events))
	return events
}

func (h *Hub) publish(notebook schema.NotebookID, event StreamEvent) {
	event.NotebookID = notebook
	event.Timestamp = time.Now()
	h.mu.Lock()
	nh := h.getOrCreateLocked(notebook)
	nh.seq++
	event.Seq = nh.seq
	nh.history = append(nh.history, event)
	if len(nh.history) > h.historySize {
		nh.history = nh.history[len(nh.history)-h.historySize:]
	}
	subs := make([]chan StreamEvent, 0, len(nh.subs))
	for sub := range nh.subs {
		subs = append(subs, sub)
	}
	dropped := 0
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	h.mu.Unlock()

	if dropped > 0 {
		logx.WithNotebook(context.Background(), notebook).Warn("hub event dropped", "type", event.Type, "dropped", dropped)
	}
}

func (h *Hub) getOrCreateLocked(notebook schema.NotebookID) *notebookHub {
	nh := h.notebooks[notebook]
	if nh == nil {
		nh = &notebookHub{
			subs:   make(map[chan StreamEvent]struct{}),
			inputs: make(map[schema.CellID]*pendingInput),
		}
		h.notebooks[notebook] = nh
	}
	return nh
}

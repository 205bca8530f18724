// Package cellstatus keeps the durable per-cell execution status of a notebook.
package cellstatus

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"pkt.systems/notebookx/internal/persist"
	"pkt.systems/notebookx/schema"
	"pkt.systems/pslog"
)

// Listener receives every status change. It is called with the store lock held and must not
// call back into the store.
type Listener func(schema.CellStatusEvent)

// Store is the Local Status Store of one notebook.
type Store struct {
	notebook schema.NotebookID
	kv       persist.KV
	key      string
	log      pslog.Logger
	notify   Listener

	mu       sync.Mutex
	statuses map[schema.CellID]schema.StatusRecord
	// shown holds cells that carry a visible status indicator.
	shown mapset.Set[schema.CellID]
}

// Options configures a Store.
type Options struct {
	Notebook schema.NotebookID
	KV       persist.KV
	Logger   pslog.Logger
	Listener Listener
}

// New constructs a store. Call Load to populate it from durable storage.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Store{
		notebook: opts.Notebook,
		kv:       opts.KV,
		key:      persist.CellStatusKey(opts.Notebook),
		log:      logger,
		notify:   opts.Listener,
		statuses: make(map[schema.CellID]schema.StatusRecord),
		shown:    mapset.NewThreadUnsafeSet[schema.CellID](),
	}
}

// Load reads the persisted statuses. Corrupt or absent data yields an empty map, and stale
// running/queued states are dropped because no live queue backs them after a reload.
func (s *Store) Load() map[schema.CellID]schema.StatusRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = s.readLocked()
	return cloneMap(s.statuses)
}

// Track registers cells that have a visible status indicator. ResetAll transitions tracked
// cells and cells with a stored status.
func (s *Store) Track(cells ...schema.CellID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cell := range cells {
		if cell != "" {
			s.shown.Add(cell)
		}
	}
}

// Set records a status transition for one cell, persists the full map and notifies the
// listener. Idle removes the record.
func (s *Store) Set(cell schema.CellID, state schema.CellState, meta *schema.StatusMeta) {
	if cell == "" {
		return
	}
	if state == "" {
		state = schema.CellIdle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(cell, state, meta)
	s.persistLocked()
	s.emitLocked(cell, state, meta)
}

// ResetAll transitions every cell currently showing a status to state (reset by default).
// It returns the cells that were transitioned.
func (s *Store) ResetAll(state schema.CellState) []schema.CellID {
	if state == "" {
		state = schema.CellReset
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	targets := s.shown.Clone()
	for cell := range s.statuses {
		targets.Add(cell)
	}
	cells := targets.ToSlice()
	slices.Sort(cells)
	for _, cell := range cells {
		s.setLocked(cell, state, nil)
	}
	s.persistLocked()
	for _, cell := range cells {
		s.emitLocked(cell, state, nil)
	}
	return cells
}

// Get returns the status of one cell. Cells without a record are idle.
func (s *Store) Get(cell schema.CellID) schema.StatusRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.statuses[cell]
	if !ok {
		return schema.StatusRecord{State: schema.CellIdle}
	}
	return record
}

// Snapshot returns a copy of every non-idle record.
func (s *Store) Snapshot() map[schema.CellID]schema.StatusRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMap(s.statuses)
}

func (s *Store) setLocked(cell schema.CellID, state schema.CellState, meta *schema.StatusMeta) {
	if state == schema.CellIdle {
		delete(s.statuses, cell)
		return
	}
	s.statuses[cell] = schema.StatusRecord{State: state, Meta: meta}
}

func (s *Store) emitLocked(cell schema.CellID, state schema.CellState, meta *schema.StatusMeta) {
	if s.notify == nil {
		return
	}
	s.notify(schema.CellStatusEvent{
		NotebookID: s.notebook,
		CellID:     cell,
		State:      state,
		Meta:       meta,
		Busy:       state.Busy(),
	})
}

func (s *Store) persistLocked() {
	if s.kv == nil {
		return
	}
	if len(s.statuses) == 0 {
		if err := s.kv.Remove(s.key); err != nil {
			s.log.Warn("cell status remove failed", "notebook", s.notebook, "err", err)
		}
		return
	}
	data, err := json.Marshal(s.statuses)
	if err != nil {
		s.log.Warn("cell status encode failed", "notebook", s.notebook, "err", err)
		return
	}
	if err := s.kv.Set(s.key, string(data)); err != nil {
		s.log.Warn("cell status save failed", "notebook", s.notebook, "err", err)
	}
}

func (s *Store) readLocked() map[schema.CellID]schema.StatusRecord {
	out := make(map[schema.CellID]schema.StatusRecord)
	if s.kv == nil {
		return out
	}
	raw, ok, err := s.kv.Get(s.key)
	if err != nil {
		s.log.Warn("cell status load failed", "notebook", s.notebook, "err", err)
		return out
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return out
	}
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		s.log.Warn("cell status corrupt", "notebook", s.notebook, "err", err)
		return out
	}
	for key, value := range parsed {
		cell := schema.CellID(strings.TrimSpace(key))
		if cell == "" {
			continue
		}
		record, ok := decodeRecord(value)
		if !ok {
			continue
		}
		out[cell] = record
	}
	return out
}

// decodeRecord accepts both the object form and the older bare-string form.
func decodeRecord(value json.RawMessage) (schema.StatusRecord, bool) {
	var bare string
	if err := json.Unmarshal(value, &bare); err == nil {
		return normalizeRecord(schema.StatusRecord{State: schema.CellState(bare)})
	}
	var record schema.StatusRecord
	if err := json.Unmarshal(value, &record); err != nil {
		return schema.StatusRecord{}, false
	}
	return normalizeRecord(record)
}

func normalizeRecord(record schema.StatusRecord) (schema.StatusRecord, bool) {
	switch record.State {
	// input-wait implies a live run, like running.
	case schema.CellRunning, schema.CellQueued, schema.CellInputWait, schema.CellIdle, "":
		return schema.StatusRecord{}, false
	}
	if !record.State.Valid() {
		return schema.StatusRecord{}, false
	}
	return record, true
}

func cloneMap(in map[schema.CellID]schema.StatusRecord) map[schema.CellID]schema.StatusRecord {
	out := make(map[schema.CellID]schema.StatusRecord, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

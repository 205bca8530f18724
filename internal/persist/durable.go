package persist

import (
	"errors"
	"sync"

	"pkt.systems/notebookx/schema"
	"pkt.systems/pslog"
)

// WritableChecker is implemented by stores that can check availability up front.
type WritableChecker interface {
	CheckWritable() error
}

// Durable wraps a KV so that an unavailable backing store degrades to no-ops.
// Availability is checked once, on first use.
type Durable struct {
	kv   KV
	log  pslog.Logger
	once sync.Once
	ok   bool
}

// NewDurable wraps kv. A nil kv yields a store that is always unavailable.
func NewDurable(kv KV, logger pslog.Logger) *Durable {
	return &Durable{kv: kv, log: logger}
}

// Available reports whether the backing store can be used.
func (d *Durable) Available() bool {
	if d == nil {
		return false
	}
	d.once.Do(func() {
		if d.kv == nil {
			d.ok = false
			return
		}
		if checker, ok := d.kv.(WritableChecker); ok {
			if err := checker.CheckWritable(); err != nil {
				if d.log != nil {
					d.log.Warn("durable store unavailable", "err", err)
				}
				d.ok = false
				return
			}
		}
		d.ok = true
	})
	return d.ok
}

// Get returns the stored value. An unavailable store reports a miss.
func (d *Durable) Get(key string) (string, bool, error) {
	if !d.Available() {
		return "", false, nil
	}
	value, ok, err := d.kv.Get(key)
	if err != nil {
		return "", false, errors.Join(schema.ErrStoreUnavailable, err)
	}
	return value, ok, nil
}

// Set stores value. An unavailable store drops the write.
func (d *Durable) Set(key, value string) error {
	if !d.Available() {
		return nil
	}
	if err := d.kv.Set(key, value); err != nil {
		return errors.Join(schema.ErrStoreUnavailable, err)
	}
	return nil
}

// Remove deletes key. An unavailable store ignores the call.
func (d *Durable) Remove(key string) error {
	if !d.Available() {
		return nil
	}
	if err := d.kv.Remove(key); err != nil {
		return errors.Join(schema.ErrStoreUnavailable, err)
	}
	return nil
}

// SessionKey is the key holding a notebook's session id.
func SessionKey(notebook schema.NotebookID) string {
	return "notebookx." + string(notebook) + ".session"
}

// CellStatusKey is the key holding a notebook's cell status map.
func CellStatusKey(notebook schema.NotebookID) string {
	return "notebookx." + string(notebook) + ".cell-status"
}

// Package syncq persists CLI writes that failed on the network so they can
// be replayed later with the same idempotency key.
package syncq

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Command struct {
	Method         string         `json:"method"`
	Path           string         `json:"path"`
	Body           map[string]any `json:"body,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	Summary        string         `json:"summary,omitempty"`
	QueuedAt       time.Time      `json:"queued_at"`
}

type Queue struct {
	mu   sync.Mutex
	path string
}

func Open(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Queue{path: filepath.Join(dir, "queue.json")}, nil
}

func (q *Queue) Load() ([]Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load()
}

func (q *Queue) load() ([]Command, error) {
	raw, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Command{}, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return []Command{}, nil
	}
	var out []Command
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (q *Queue) Save(commands []Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.save(commands)
}

// save writes through a temp file so a crash never leaves half a queue.
func (q *Queue) save(commands []Command) error {
	raw, err := json.MarshalIndent(commands, "", "  ")
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

func (q *Queue) Push(cmd Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	commands, err := q.load()
	if err != nil {
		return err
	}
	if cmd.QueuedAt.IsZero() {
		cmd.QueuedAt = time.Now().UTC()
	}
	for _, c := range commands {
		if c.IdempotencyKey == cmd.IdempotencyKey {
			return nil
		}
	}
	commands = append(commands, cmd)
	return q.save(commands)
}

// Replay sends every queued command through send in order. Commands for
// which retry reports true stay queued; the rest are dropped.
func (q *Queue) Replay(send func(Command) error, retry func(error) bool) (sent int, failed []error, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	commands, err := q.load()
	if err != nil {
		return 0, nil, err
	}
	remaining := make([]Command, 0, len(commands))
	for _, c := range commands {
		if sendErr := send(c); sendErr != nil {
			failed = append(failed, sendErr)
			if retry(sendErr) {
				remaining = append(remaining, c)
			}
			continue
		}
		sent++
	}
	return sent, failed, q.save(remaining)
}

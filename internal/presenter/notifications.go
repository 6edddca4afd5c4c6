package presenter

import (
	"sync"
	"time"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelDanger  Level = "danger"
)

const DefaultNotificationCapacity = 50

type Notification struct {
	ID      uint64    `json:"id"`
	Level   Level     `json:"kind"`
	Message string    `json:"message"`
	Count   int       `json:"count"`
	At      time.Time `json:"at"`
}

// Notifications is a bounded, newest-wins buffer of operator-facing messages. A message identical to the
// newest one is folded into it and its count bumped.
type Notifications struct {
	mu       sync.Mutex
	items    []Notification
	capacity int
	seq      uint64
	now      func() time.Time
}

func NewNotifications(capacity int) *Notifications {
	if capacity < 1 {
		capacity = DefaultNotificationCapacity
	}

	return &Notifications{
		items:    make([]Notification, 0, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

func (n *Notifications) Push(level Level, message string) Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.seq++
	if last := len(n.items) - 1; last >= 0 && n.items[last].Level == level && n.items[last].Message == message {
		n.items[last].ID = n.seq
		n.items[last].Count++
		n.items[last].At = n.now()
		return n.items[last]
	}

	if len(n.items) == n.capacity {
		copy(n.items, n.items[1:])
		n.items = n.items[:len(n.items)-1]
	}
	item := Notification{ID: n.seq, Level: level, Message: message, Count: 1, At: n.now()}
	n.items = append(n.items, item)

	return item
}

// Recent returns up to limit notifications, newest first. A limit of zero or less returns all of them.
func (n *Notifications) Recent(limit int) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	if limit <= 0 || limit > len(n.items) {
		limit = len(n.items)
	}

	out := make([]Notification, 0, limit)
	for i := len(n.items) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, n.items[i])
	}
	return out
}

// Since returns notifications pushed or bumped after the given id, newest first.
func (n *Notifications) Since(id uint64) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []Notification
	for i := len(n.items) - 1; i >= 0; i-- {
		if n.items[i].ID <= id {
			continue
		}
		out = append(out, n.items[i])
	}
	return out
}

func (n *Notifications) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.items)
}

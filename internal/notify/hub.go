package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrUnknownNotification は操作対象の通知が存在しない、または操作済みの場合のエラー。
var ErrUnknownNotification = errors.New("unknown notification")

// actionTTL は通知の操作を受け付ける期間。
const actionTTL = 10 * time.Minute

// イベント種別
const (
	EventNotification = "notification"
	EventChange       = "change"
)

// Event は購読者に配信するイベント。
type Event struct {
	Type         string        `json:"type"`
	Topic        string        `json:"topic,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

type pendingAction struct {
	action    *Action
	expiresAt time.Time
}

// Hub は購読者へ通知と変更イベントをファンアウトする。
// 受信が追いつかない購読者へのイベントは破棄し、送信側をブロックしない。
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan []byte]struct{}
	actions map[string]pendingAction
	now     func() time.Time
}

// NewHub はHubを生成する。
func NewHub() *Hub {
	return &Hub{
		subs:    make(map[chan []byte]struct{}),
		actions: make(map[string]pendingAction),
		now:     time.Now,
	}
}

// Subscribe は購読を開始し、イベントのチャネルと購読解除関数を返す。
func (h *Hub) Subscribe() (chan []byte, func()) {
	ch := make(chan []byte, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Notify は通知を配信し、操作があれば受け付け可能にする。
func (h *Hub) Notify(_ context.Context, n Notification) {
	if n.Action != nil && n.Action.Run != nil {
		h.mu.Lock()
		h.pruneLocked()
		h.actions[n.ID] = pendingAction{action: n.Action, expiresAt: h.now().Add(actionTTL)}
		h.mu.Unlock()
	}
	h.broadcast(Event{Type: EventNotification, Notification: &n})
}

// Publish はコレクションの変更を配信する。
func (h *Hub) Publish(topic string) {
	h.broadcast(Event{Type: EventChange, Topic: topic})
}

// Invoke は通知に付随する操作を1回だけ実行する。
func (h *Hub) Invoke(ctx context.Context, id string) error {
	h.mu.Lock()
	pending, ok := h.actions[id]
	if ok {
		delete(h.actions, id)
	}
	h.mu.Unlock()

	if !ok || h.now().After(pending.expiresAt) {
		return ErrUnknownNotification
	}
	return pending.action.Run(ctx)
}

func (h *Hub) pruneLocked() {
	now := h.now()
	for id, p := range h.actions {
		if now.After(p.expiresAt) {
			delete(h.actions, id)
		}
	}
}

func (h *Hub) broadcast(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- payload:
		default:
		}
	}
}

var (
	_ Sink      = (*Hub)(nil)
	_ Publisher = (*Hub)(nil)
)

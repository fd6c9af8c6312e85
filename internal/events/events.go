// Package events is the typed, fire-and-forget pub/sub channel from the
// download core to whatever UI shell is listening. Every event is a
// concrete struct, never a bare interface{} payload, so a future
// IPC-based UI shell can still serialize them.
package events

import "sync"

// Type identifies the concrete shape of an Event for Subscribe filtering.
type Type string

const (
	TypeEpisodePending   Type = "episode_pending"
	TypeEpisodeStart     Type = "episode_start"
	TypeImageSuccess     Type = "image_success"
	TypeImageError       Type = "image_error"
	TypeEpisodeEnd       Type = "episode_end"
	TypeOverallProgress  Type = "overall_progress"
	TypeSpeedUpdate      Type = "speed_update"
	TypeAllIdle          Type = "all_idle"
	TypeProxyError       Type = "proxy_error"
)

// Event is implemented by every concrete event struct this bus carries.
type Event interface {
	Type() Type
}

// EpisodePendingEvent fires the instant a chapter is admitted onto the
// scheduler's submission queue, before it has acquired a chapter permit.
type EpisodePendingEvent struct {
	EpisodeID int64
	Title     string
}

func (EpisodePendingEvent) Type() Type { return TypeEpisodePending }

// EpisodeStartEvent fires once a chapter has acquired its concurrency permit
// and the image manifest/token fetch has succeeded.
type EpisodeStartEvent struct {
	EpisodeID int64
	Title     string
	Total     int
}

func (EpisodeStartEvent) Type() Type { return TypeEpisodeStart }

// ImageSuccessEvent fires once per image that downloaded, decrypted, and
// wrote to disk successfully.
type ImageSuccessEvent struct {
	EpisodeID int64
	URL       string
	Current   int
}

func (ImageSuccessEvent) Type() Type { return TypeImageSuccess }

// ImageErrorEvent fires once per image that failed at any stage (fetch,
// decrypt, or write). It does not end the chapter by itself.
type ImageErrorEvent struct {
	EpisodeID int64
	URL       string
	ErrMsg    string
}

func (ImageErrorEvent) Type() Type { return TypeImageError }

// EpisodeEndEvent is the chapter's single terminal event. ErrMsg is empty
// iff every image in the manifest downloaded and the chapter archived
// successfully.
type EpisodeEndEvent struct {
	EpisodeID int64
	ErrMsg    string
}

func (EpisodeEndEvent) Type() Type { return TypeEpisodeEnd }

// OverallProgressEvent reports the global, cross-chapter image counters
// after every individual image join.
type OverallProgressEvent struct {
	Downloaded int
	Total      int
	Percentage float64
}

func (OverallProgressEvent) Type() Type { return TypeOverallProgress }

// SpeedUpdateEvent is emitted once per second by the scheduler's speed
// ticker with a human-readable "X.XX MB/s" rendering of the bytes
// downloaded in the prior second.
type SpeedUpdateEvent struct {
	BytesPerSec uint64
	Speed       string
}

func (SpeedUpdateEvent) Type() Type { return TypeSpeedUpdate }

// AllIdleEvent fires at quiescence: the moment the global downloaded/total
// image counters become equal (and are reset to zero).
type AllIdleEvent struct{}

func (AllIdleEvent) Type() Type { return TypeAllIdle }

// ProxyErrorEvent is emitted when an operator-supplied custom proxy URL
// fails to parse and the HTTP Engine falls back to system proxy settings.
type ProxyErrorEvent struct {
	ErrMsg string
}

func (ProxyErrorEvent) Type() Type { return TypeProxyError }

// subscriberBuffer is the per-subscriber channel capacity. Publish never
// blocks: a full subscriber silently drops the event rather than stalling
// the scheduler.
const subscriberBuffer = 64

// Bus is a typed, many-subscriber event bus. The zero value is not usable;
// construct with New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Type][]chan Event
	all    []chan Event
	closed bool
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Type][]chan Event)}
}

// Subscribe returns a channel that receives every future event of the given
// type. Closing the Bus closes every subscriber channel.
func (b *Bus) Subscribe(t Type) <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[t] = append(b.subs[t], ch)
	return ch
}

// SubscribeAll returns a channel that receives every event regardless of
// type, the shape a UI progress pane actually wants.
func (b *Bus) SubscribeAll() <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.all = append(b.all, ch)
	return ch
}

// Publish fans e out to every subscriber of e.Type() and every
// SubscribeAll subscriber. Sends are non-blocking: a subscriber that isn't
// draining its channel fast enough misses events rather than stalling the
// publisher.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[e.Type()] {
		select {
		case ch <- e:
		default:
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close closes every subscriber channel. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chs := range b.subs {
		for _, ch := range chs {
			close(ch)
		}
	}
	for _, ch := range b.all {
		close(ch)
	}
}

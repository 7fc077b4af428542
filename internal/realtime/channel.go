package realtime

import (
	"context"
	"sync"
)

type listener struct {
	id uint64
	fn func(Event)
}

type failureHook struct {
	id uint64
	fn func(error)
}

// Channel is the shared handle for one named channel. Every
// SubscribeChannel call for the name returns the same handle until the
// last matching LeaveChannel.
type Channel struct {
	name string

	mu            sync.Mutex
	state         State
	err           error
	refs          int
	attempt       uint64
	settled       chan struct{}
	settledClosed bool
	nextID        uint64
	listeners     map[string][]listener
	failures      []failureHook
}

func newChannel(name string) *Channel {
	return &Channel{
		name:      name,
		settled:   make(chan struct{}),
		listeners: map[string][]listener{},
	}
}

func (ch *Channel) Name() string {
	return ch.name
}

func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Err returns the failure of the last subscription attempt, if any.
func (ch *Channel) Err() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.err
}

// Listen registers fn for events named event. fn runs once per matching
// event, in the order the transport received them. The returned func
// removes the listener and is safe to call more than once.
func (ch *Channel) Listen(event string, fn func(Event)) (stop func()) {
	if fn == nil {
		panic("realtime.Channel.Listen: fn must not be nil")
	}
	ch.mu.Lock()
	ch.nextID++
	id := ch.nextID
	if ch.listeners != nil {
		ch.listeners[event] = append(ch.listeners[event], listener{id: id, fn: fn})
	}
	ch.mu.Unlock()

	return sync.OnceFunc(func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		current := ch.listeners[event]
		for i, l := range current {
			if l.id == id {
				ch.listeners[event] = append(current[:i:i], current[i+1:]...)
				break
			}
		}
		if len(ch.listeners[event]) == 0 {
			delete(ch.listeners, event)
		}
	})
}

// OnFailure registers fn to receive the error of every failed
// subscription attempt on this channel.
func (ch *Channel) OnFailure(fn func(error)) (stop func()) {
	if fn == nil {
		panic("realtime.Channel.OnFailure: fn must not be nil")
	}
	ch.mu.Lock()
	ch.nextID++
	id := ch.nextID
	ch.failures = append(ch.failures, failureHook{id: id, fn: fn})
	ch.mu.Unlock()

	return sync.OnceFunc(func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		for i, hook := range ch.failures {
			if hook.id == id {
				ch.failures = append(ch.failures[:i:i], ch.failures[i+1:]...)
				return
			}
		}
	})
}

// Wait blocks until the channel is subscribed or its subscription attempt
// fails. A channel waiting for the transport to connect counts as
// unsettled.
func (ch *Channel) Wait(ctx context.Context) error {
	for {
		ch.mu.Lock()
		settled := ch.settled
		ch.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-settled:
		}

		ch.mu.Lock()
		state, err, refs := ch.state, ch.err, ch.refs
		ch.mu.Unlock()
		switch {
		case state == Subscribed:
			return nil
		case err != nil:
			return err
		case refs <= 0:
			return ErrChannelLeft
		}
	}
}

func (ch *Channel) dispatch(ev Event) int {
	ch.mu.Lock()
	if ch.refs <= 0 {
		ch.mu.Unlock()
		return 0
	}
	targets := append([]listener(nil), ch.listeners[ev.Name]...)
	ch.mu.Unlock()

	for _, l := range targets {
		l.fn(ev)
	}
	return len(targets)
}

func (ch *Channel) failureHooksLocked() []func(error) {
	hooks := make([]func(error), 0, len(ch.failures))
	for _, hook := range ch.failures {
		hooks = append(hooks, hook.fn)
	}
	return hooks
}

// pendLocked invalidates any in-flight attempt and leaves the channel
// unsubscribed and unsettled, waiting for the next connection.
func (ch *Channel) pendLocked() {
	ch.attempt++
	ch.state = Unsubscribed
	ch.err = nil
	if ch.settledClosed {
		ch.settled = make(chan struct{})
		ch.settledClosed = false
	}
}

func (ch *Channel) beginLocked() uint64 {
	ch.pendLocked()
	ch.state = Authorizing
	return ch.attempt
}

func (ch *Channel) settleLocked(state State, err error) {
	ch.state = state
	ch.err = err
	if !ch.settledClosed {
		close(ch.settled)
		ch.settledClosed = true
	}
}

// detachLocked drops every listener and hook after the last reference is
// released.
func (ch *Channel) detachLocked() {
	ch.attempt++
	ch.refs = 0
	ch.listeners = nil
	ch.failures = nil
	err := ch.err
	if err == nil {
		err = ErrChannelLeft
	}
	ch.settleLocked(Unsubscribed, err)
}

package realtime

import (
	"time"
)

// Push is an outbound message from a channel that may await a reply.
// Its fields are guarded by the owning channel's mutex.
type Push struct {
	channel      *Channel
	event        string
	payload      func() map[string]any
	timeout      time.Duration
	ref          string
	timeoutTimer *time.Timer
}

// newPush creates a new push instance
func newPush(channel *Channel, event string, payload func() map[string]any, timeout time.Duration) *Push {
	return &Push{
		channel: channel,
		event:   event,
		payload: payload,
		timeout: timeout,
	}
}

// send takes a fresh ref and hands the message to the socket.
func (p *Push) send() {
	p.ref = p.channel.socket.makeRef()
	p.channel.socket.push(&Message{
		Topic:   p.channel.topic,
		Event:   p.event,
		Payload: p.payload(),
		Ref:     p.ref,
	})
}

// startTimeout arms onTimeout for the current ref. The callback receives
// the ref it was armed for so a stale fire can be told apart.
func (p *Push) startTimeout(onTimeout func(ref string)) {
	p.cancelTimeout()

	ref := p.ref
	p.timeoutTimer = time.AfterFunc(p.timeout, func() {
		onTimeout(ref)
	})
}

// cancelTimeout stops a pending timeout timer
func (p *Push) cancelTimeout() {
	if p.timeoutTimer != nil {
		p.timeoutTimer.Stop()
		p.timeoutTimer = nil
	}
}

// reset forgets the ref so late replies no longer match
func (p *Push) reset() {
	p.cancelTimeout()
	p.ref = ""
}

// matches reports whether ref correlates to this push's outstanding send
func (p *Push) matches(ref string) bool {
	return ref != "" && ref == p.ref
}

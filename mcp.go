package mcp

import (
	"context"
	"sync"
)

// Transport moves whole JSON-RPC messages across a duplex channel. It carries no RPC
// semantics: correlation, dispatch and validation belong to Protocol.
//
// Implementations must:
//   - deliver every received, fully framed message to the subscribed observers' OnMessage,
//     one at a time and in arrival order;
//   - report non-fatal exceptional conditions (undecodable frames, failed writes) to
//     ErrorObserver.OnError without necessarily closing;
//   - invoke CloseObserver.OnClose exactly once when the channel terminates, whether Close was
//     called locally or the peer went away.
type Transport interface {
	// Start begins delivering received messages to the subscribed observers. Observers should
	// be subscribed before Start so that no message is missed.
	Start(ctx context.Context) error

	// Send writes one message. It fails once the channel is closed.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Close terminates the channel. It is idempotent.
	Close() error

	// Subscribe registers an observer and returns the function that removes it.
	Subscribe(observer Observer) (unsubscribe func())
}

// Observer receives the messages delivered by a Transport.
type Observer interface {
	OnMessage(msg JSONRPCMessage)
}

// ErrorObserver is implemented by observers that want to hear about non-fatal transport
// errors.
type ErrorObserver interface {
	OnError(err error)
}

// CloseObserver is implemented by observers that want to know when the transport terminates.
type CloseObserver interface {
	OnClose()
}

// ObserverFuncs adapts plain functions to the observer interfaces. A nil field is simply not
// called.
type ObserverFuncs struct {
	Message func(JSONRPCMessage)
	Error   func(error)
	Close   func()
}

// observers is the subscription registry shared by the transports of this package.
type observers struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]Observer

	closeOnce sync.Once
}

// OnMessage implements Observer.
func (o ObserverFuncs) OnMessage(msg JSONRPCMessage) {
	if o.Message != nil {
		o.Message(msg)
	}
}

// OnError implements ErrorObserver.
func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

// OnClose implements CloseObserver.
func (o ObserverFuncs) OnClose() {
	if o.Close != nil {
		o.Close()
	}
}

func (o *observers) subscribe(obs Observer) func() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.subs == nil {
		o.subs = make(map[int]Observer)
	}
	id := o.nextID
	o.nextID++
	o.subs[id] = obs

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			delete(o.subs, id)
		})
	}
}

func (o *observers) snapshot() []Observer {
	o.mu.Lock()
	defer o.mu.Unlock()

	subs := make([]Observer, 0, len(o.subs))
	for i := 0; i < o.nextID; i++ {
		if obs, ok := o.subs[i]; ok {
			subs = append(subs, obs)
		}
	}
	return subs
}

func (o *observers) message(msg JSONRPCMessage) {
	for _, obs := range o.snapshot() {
		obs.OnMessage(msg)
	}
}

func (o *observers) error(err error) {
	for _, obs := range o.snapshot() {
		if eo, ok := obs.(ErrorObserver); ok {
			eo.OnError(err)
		}
	}
}

// close notifies close observers, only the first call has an effect.
func (o *observers) close() {
	o.closeOnce.Do(func() {
		for _, obs := range o.snapshot() {
			if co, ok := obs.(CloseObserver); ok {
				co.OnClose()
			}
		}
	})
}

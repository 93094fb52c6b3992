package dispatch

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/trellisnet/trellis/src/wire"
)

// NetworkSender lets handlers send messages back into the network without
// knowing how connections are managed.
type NetworkSender interface {
	SendTo(peerID string, msg []byte) error
}

// MessageContext carries the metadata a handler needs about the message it is
// processing.
type MessageContext struct {
	// SourcePeerID identifies the node the message arrived from.
	SourcePeerID string

	// MessageType is the routed type of the message.
	MessageType wire.MessageType
}

// Handler processes a single message type. Handlers must be safe for
// concurrent use if the dispatcher is driven from multiple goroutines.
type Handler interface {
	Handle(payload []byte, ctx *MessageContext, sender NetworkSender) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(payload []byte, ctx *MessageContext, sender NetworkSender) error

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(payload []byte, ctx *MessageContext, sender NetworkSender) error {
	return f(payload, ctx, sender)
}

// DispatchError wraps any failure during dispatch, including recovered
// handler panics, so the receive loop can log it and keep going.
type DispatchError struct {
	MessageType wire.MessageType
	Reason      string
}

// Error implements the error interface.
func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s: %s", e.MessageType, e.Reason)
}

// Dispatcher routes messages to the handler registered for their type. At
// most one handler holds each type; registering over an existing type
// replaces the previous handler.
type Dispatcher struct {
	lock     sync.RWMutex
	handlers map[wire.MessageType]Handler

	sender NetworkSender
	logger *logrus.Entry
}

// NewDispatcher creates a Dispatcher whose handlers respond through sender.
func NewDispatcher(sender NetworkSender, logger *logrus.Entry) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[wire.MessageType]Handler),
		sender:   sender,
		logger:   logger,
	}
}

// SetHandler registers handler for messageType, replacing any previous
// handler for that type.
func (d *Dispatcher) SetHandler(messageType wire.MessageType, handler Handler) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.handlers[messageType] = handler
}

// Dispatch routes one message to its handler. An unregistered type or a
// failing handler produces a DispatchError; a panicking handler is recovered
// and reported the same way.
func (d *Dispatcher) Dispatch(msg *wire.Message, sourcePeerID string) (err error) {
	d.lock.RLock()
	handler, ok := d.handlers[msg.Type]
	d.lock.RUnlock()

	if !ok {
		return &DispatchError{
			MessageType: msg.Type,
			Reason:      "no handler registered",
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = &DispatchError{
				MessageType: msg.Type,
				Reason:      fmt.Sprintf("handler panic: %v", r),
			}
		}
	}()

	ctx := &MessageContext{
		SourcePeerID: sourcePeerID,
		MessageType:  msg.Type,
	}

	if herr := handler.Handle(msg.Payload, ctx, d.sender); herr != nil {
		return &DispatchError{
			MessageType: msg.Type,
			Reason:      herr.Error(),
		}
	}

	return nil
}

// DispatchRaw unmarshals a wire message and dispatches it.
func (d *Dispatcher) DispatchRaw(raw []byte, sourcePeerID string) error {
	var msg wire.Message
	if err := msg.Unmarshal(raw); err != nil {
		return fmt.Errorf("dispatch: unmarshal message: %v", err)
	}
	return d.Dispatch(&msg, sourcePeerID)
}

// Receiver yields raw messages tagged with their source. mesh.Mesh satisfies
// it through a small adapter in the node package.
type Receiver interface {
	Recv() (raw []byte, sourcePeerID string, err error)
}

// DispatchLoop pulls messages from recv and dispatches each one until recv
// returns an error. Dispatch failures are logged and the loop continues; a
// single bad message never takes the loop down.
func (d *Dispatcher) DispatchLoop(recv Receiver) {
	for {
		raw, source, err := recv.Recv()
		if err != nil {
			d.logger.WithError(err).Debug("dispatch loop stopping")
			return
		}

		if err := d.DispatchRaw(raw, source); err != nil {
			d.logger.WithFields(logrus.Fields{
				"source": source,
				"error":  err,
			}).Error("message dispatch failed")
		}
	}
}

package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("synapse.proxy")

// Well-known messages of the forwarding protocol. The owning side must
// make these reachable as callable operations.
const (
	MsgForward          = "forwardMessage"
	MsgSetSlot          = "setSlot"
	MsgRemoveSlot       = "removeSlot"
	MsgDidNotUnderstand = "proxyDidNotUnderstand_"
)

var (
	// ErrNilProxy is returned for calls on a nil proxy.
	ErrNilProxy = errors.New("proxy: nil proxy")

	// ErrEmptyName is returned for an empty message or slot name.
	ErrEmptyName = errors.New("proxy: empty message name")

	// ErrNilForwarder rejects construction without a live capability; a
	// proxy must never exist with a dangling forwardMessage.
	ErrNilForwarder = errors.New("proxy: nil forwarder")
)

// SlotMissingError is the tagged attribute-not-found variant at the
// forwarding boundary. Its text is the normalized form callers observe.
type SlotMissingError struct {
	Slot     string
	ObjectID string
}

func (e *SlotMissingError) Error() string {
	return fmt.Sprintf("proxy has no slot '%s'", e.Slot)
}

// PropagateError marks a failed slot-mutation mirror call. It is distinct
// from SlotMissingError so a propagation failure can never trigger the
// does-not-understand escalation.
type PropagateError struct {
	Slot string
	Err  error
}

func (e *PropagateError) Error() string {
	return fmt.Sprintf("proxy: propagating slot '%s': %v", e.Slot, e.Err)
}

func (e *PropagateError) Unwrap() error { return e.Err }

// Forwarder is the capability a proxy uses to reach the true owner of
// its object. Implementations return a *SlotMissingError when the owner
// reports the slot absent; any other error propagates opaquely.
type Forwarder interface {
	ForwardMessage(ctx context.Context, objectID, message string, args []interface{}) (interface{}, error)
}

// ForwardFunc adapts a function to the Forwarder interface.
type ForwardFunc func(ctx context.Context, objectID, message string, args []interface{}) (interface{}, error)

func (f ForwardFunc) ForwardMessage(ctx context.Context, objectID, message string, args []interface{}) (interface{}, error) {
	return f(ctx, objectID, message, args)
}

// Proxy is a local stand-in for an object owned by the other side of the
// bridge. Every access goes through the forwarding capability; the owner
// stays authoritative.
type Proxy struct {
	objectID string
	fwd      Forwarder
	metrics  *metrics
}

// NewProxy builds a proxy over a forwarding capability. The capability is
// required: a proxy with no way to reach its owner is not constructible.
func NewProxy(objectID string, fwd Forwarder) (*Proxy, error) {
	if objectID == "" {
		return nil, ErrEmptyName
	}
	if fwd == nil {
		return nil, ErrNilForwarder
	}
	return &Proxy{
		objectID: objectID,
		fwd:      fwd,
		metrics:  newMetrics(),
	}, nil
}

// ObjectID returns the proxy's opaque identity.
func (p *Proxy) ObjectID() string { return p.objectID }

// Send forwards a message to the owner and returns its result.
//
// On an attribute-not-found failure the proxy issues exactly one
// proxyDidNotUnderstand_ escalation carrying {slot, objectId, error};
// the escalation cannot change the outcome, and if it fails itself that
// secondary failure is logged and discarded. The original failure is
// re-raised with the normalized "proxy has no slot" message. Any other
// failure propagates unchanged with no escalation.
func (p *Proxy) Send(ctx context.Context, message string, args ...interface{}) (interface{}, error) {
	if p == nil {
		return nil, ErrNilProxy
	}
	if message == "" {
		return nil, ErrEmptyName
	}

	start := time.Now()
	result, err := p.fwd.ForwardMessage(ctx, p.objectID, message, args)
	elapsed := time.Since(start)

	if err == nil {
		p.metrics.recordSuccess(message, elapsed)
		return result, nil
	}
	p.metrics.recordFailure(message, elapsed, err.Error())

	var missing *SlotMissingError
	if !errors.As(err, &missing) {
		return nil, err
	}

	p.escalate(ctx, message, err)
	return nil, &SlotMissingError{Slot: message, ObjectID: p.objectID}
}

// escalate gives the owner one chance to react to an unresolved slot.
// Secondary failures go to the diagnostic log, never to the caller.
func (p *Proxy) escalate(ctx context.Context, slot string, cause error) {
	payload := map[string]interface{}{
		"slot":     slot,
		"objectId": p.objectID,
		"error":    cause.Error(),
	}
	if _, err := p.fwd.ForwardMessage(ctx, p.objectID, MsgDidNotUnderstand, []interface{}{payload}); err != nil {
		log.Errorf("%s escalation for %s.%s: %v", MsgDidNotUnderstand, p.objectID, slot, err)
	}
}

// SetSlot mirrors a local attribute set to the owner. A failure surfaces
// as a *PropagateError and never triggers escalation.
func (p *Proxy) SetSlot(ctx context.Context, name string, value interface{}) error {
	if p == nil {
		return ErrNilProxy
	}
	if name == "" {
		return ErrEmptyName
	}

	start := time.Now()
	_, err := p.fwd.ForwardMessage(ctx, p.objectID, MsgSetSlot, []interface{}{name, value})
	elapsed := time.Since(start)

	if err != nil {
		p.metrics.recordFailure(MsgSetSlot, elapsed, err.Error())
		return &PropagateError{Slot: name, Err: err}
	}
	p.metrics.recordSuccess(MsgSetSlot, elapsed)
	return nil
}

// RemoveSlot mirrors a local attribute delete to the owner.
func (p *Proxy) RemoveSlot(ctx context.Context, name string) error {
	if p == nil {
		return ErrNilProxy
	}
	if name == "" {
		return ErrEmptyName
	}

	start := time.Now()
	_, err := p.fwd.ForwardMessage(ctx, p.objectID, MsgRemoveSlot, []interface{}{name})
	elapsed := time.Since(start)

	if err != nil {
		p.metrics.recordFailure(MsgRemoveSlot, elapsed, err.Error())
		return &PropagateError{Slot: name, Err: err}
	}
	p.metrics.recordSuccess(MsgRemoveSlot, elapsed)
	return nil
}

// Metrics returns a copy of the per-message dispatch record. A fresh
// proxy yields an empty map.
func (p *Proxy) Metrics() map[string]MessageStats {
	return p.metrics.snapshot()
}

// ResetMetrics atomically clears the dispatch record.
func (p *Proxy) ResetMetrics() {
	p.metrics.reset()
}

package proxy

import (
	"context"
	"fmt"
	"strings"

	"github.com/calyptra/synapse/dispatch"
)

// slotMissingPatterns are the owner-side error shapes that classify as
// attribute-not-found. Substrate workers report Python-style
// AttributeErrors; core runtimes report does-not-understand.
var slotMissingPatterns = []string{
	"attributeerror",
	"has no attribute",
	"has no slot",
	"does not understand",
}

// classifyRemote turns an owner-reported failure into the tagged error
// the forwarding protocol dispatches on.
func classifyRemote(objectID, message, errText string) error {
	lower := strings.ToLower(errText)
	for _, pat := range slotMissingPatterns {
		if strings.Contains(lower, pat) {
			return &SlotMissingError{Slot: message, ObjectID: objectID}
		}
	}
	return fmt.Errorf("proxy: remote error: %s", errText)
}

// PoolForwarder reaches substrate-owned objects through the task
// dispatcher. Each forward is one forwardMessage task.
type PoolForwarder struct {
	pool *dispatch.Pool
}

// NewPoolForwarder wraps a dispatcher pool as a forwarding capability.
func NewPoolForwarder(pool *dispatch.Pool) (*PoolForwarder, error) {
	if pool == nil {
		return nil, ErrNilForwarder
	}
	return &PoolForwarder{pool: pool}, nil
}

// ForwardMessage submits the forward as a task and unwraps the two-layer
// response: transport failure propagates as-is, an application-level
// failure is classified for slot-missing dispatch.
func (f *PoolForwarder) ForwardMessage(ctx context.Context, objectID, message string, args []interface{}) (interface{}, error) {
	task, err := dispatch.MarshalRequest(&dispatch.Request{
		Operation: MsgForward,
		Args:      append([]interface{}{objectID, message}, args...),
	})
	if err != nil {
		return nil, err
	}

	body, err := f.pool.Submit(ctx, task)
	if err != nil {
		return nil, err
	}
	resp, err := dispatch.UnmarshalResponse(body)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, classifyRemote(objectID, message, resp.Error)
	}
	return resp.Result, nil
}

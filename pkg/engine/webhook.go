package engine

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/taskgrid/taskgrid/pkg/models"
)

type webhookSignal struct {
	output models.Payload
	err    error
}

// hookKey identifies a waiting webhook step. Step ids are scoped per
// workflow, so the workflow id is part of the key.
type hookKey struct {
	workflowID int64
	stepID     string
}

// WebhookHub is the completion channel for webhook steps. A waiter is
// registered while the step is RUNNING and removed when it resolves;
// signals for steps without a waiter are rejected.
type WebhookHub struct {
	mu      sync.Mutex
	waiters map[hookKey]chan webhookSignal
}

func NewWebhookHub() *WebhookHub {
	return &WebhookHub{waiters: make(map[hookKey]chan webhookSignal)}
}

// subscribe registers a waiter for the step. The returned channel
// receives at most one signal.
func (h *WebhookHub) subscribe(workflowID int64, stepID string) (<-chan webhookSignal, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := hookKey{workflowID, stepID}
	if _, exists := h.waiters[key]; exists {
		return nil, errors.Errorf("workflow %d step %s already awaiting a callback", workflowID, stepID)
	}
	ch := make(chan webhookSignal, 1)
	h.waiters[key] = ch
	return ch, nil
}

func (h *WebhookHub) unsubscribe(workflowID int64, stepID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.waiters, hookKey{workflowID, stepID})
}

func (h *WebhookHub) signal(key hookKey, sig webhookSignal) error {
	h.mu.Lock()
	ch, ok := h.waiters[key]
	if ok {
		delete(h.waiters, key)
	}
	h.mu.Unlock()
	if !ok {
		return errors.Errorf("workflow %d step %s is not awaiting a callback", key.workflowID, key.stepID)
	}
	ch <- sig
	return nil
}

// Complete resolves a running webhook step with output. It rejects
// steps that are not currently awaiting a callback.
func (h *WebhookHub) Complete(workflowID int64, stepID string, output models.Payload) error {
	return h.signal(hookKey{workflowID, stepID}, webhookSignal{output: output})
}

// Fail resolves a running webhook step with a failure.
func (h *WebhookHub) Fail(workflowID int64, stepID string, stepErr error) error {
	if stepErr == nil {
		stepErr = errors.New("webhook failure with no error")
	}
	return h.signal(hookKey{workflowID, stepID}, webhookSignal{err: stepErr})
}

// Package notify carries outbound notification payloads to the delivery
// workers. The core never renders or sends messages itself: it publishes a
// recipient, a template key and string variables.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Template keys understood by the delivery workers.
const (
	TemplateAccessCode           = "access_code"
	TemplateRegistrationApproval = "registration_approval"
	TemplatePasswordReset        = "password_reset"
	TemplateContractSigning      = "contract_signing"
	TemplateMatchNewProperty     = "match_new_property"
	TemplateMatchNewDemand       = "match_new_demand"
)

// Payload is one message for one recipient.
type Payload struct {
	RecipientUserID string            `json:"recipient_user_id"`
	TemplateKey     string            `json:"template_key"`
	Variables       map[string]string `json:"variables"`
}

// Dispatcher hands a payload to a transport.
type Dispatcher interface {
	Dispatch(ctx context.Context, p Payload) error
}

// Notifier is fire-and-forget: delivery errors are logged and dropped.
type Notifier struct {
	dispatcher Dispatcher
	logger     *zap.Logger
}

func NewNotifier(d Dispatcher, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{dispatcher: d, logger: logger}
}

// Send dispatches p. A nil Notifier or dispatcher silently drops the payload.
func (n *Notifier) Send(ctx context.Context, p Payload) {
	if n == nil || n.dispatcher == nil {
		return
	}
	if err := n.dispatcher.Dispatch(ctx, p); err != nil {
		n.logger.Warn("notification dispatch failed",
			zap.String("recipient_user_id", p.RecipientUserID),
			zap.String("template_key", p.TemplateKey),
			zap.Error(err),
		)
	}
}

// Recorder keeps payloads in memory. Used by tests and local runs without
// a database.
type Recorder struct {
	mu       sync.Mutex
	payloads []Payload
	Err      error
}

func (r *Recorder) Dispatch(_ context.Context, p Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.payloads = append(r.payloads, p)
	return nil
}

// Payloads returns a copy of everything dispatched so far.
func (r *Recorder) Payloads() []Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Payload, len(r.payloads))
	copy(out, r.payloads)
	return out
}

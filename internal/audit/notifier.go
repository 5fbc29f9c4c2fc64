package audit

import (
	"context"
	"log"
	"sync"
	"time"
)

// Notifier delivers anomaly alerts on a best-effort basis. Failures are
// logged and never reach the caller.
type Notifier struct {
	fallback Sink
	routes   map[string]Sink
	timeout  time.Duration
	enabled  func(ctx context.Context) bool

	wg sync.WaitGroup
}

// NewNotifier creates a notifier sending to fallback unless an alert type
// has its own route. fallback may be nil.
func NewNotifier(fallback Sink, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{fallback: fallback, routes: make(map[string]Sink), timeout: timeout}
}

// Route sends alertType to a dedicated sink (e.g. the review channel)
func (n *Notifier) Route(alertType string, sink Sink) {
	n.routes[alertType] = sink
}

// SetEnabledCheck gates delivery, typically on the external_webhooks toggle
func (n *Notifier) SetEnabledCheck(fn func(ctx context.Context) bool) {
	n.enabled = fn
}

// Alert implements the Alerter interfaces of the ledger, approval and router
func (n *Notifier) Alert(ctx context.Context, alertType, severity, message string, details map[string]any) {
	sink := n.routes[alertType]
	if sink == nil {
		sink = n.fallback
	}
	if sink == nil {
		log.Printf("🔔 [AUDIT] %s (%s): %s", alertType, severity, message)
		return
	}
	if n.enabled != nil && !n.enabled(ctx) {
		return
	}

	e := Alert(alertType, severity, message, details)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := sink.Emit(sendCtx, e); err != nil {
			log.Printf("⚠️  [AUDIT] Alert %s to %s dropped: %v", alertType, sink.Name(), err)
		}
	}()
}

// Wait blocks until in-flight alerts finish
func (n *Notifier) Wait() {
	n.wg.Wait()
}

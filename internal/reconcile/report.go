package reconcile

import (
	"fmt"
	"strings"
	"time"
)

// Kind classifies a discrepancy between the local record and the broker.
type Kind string

const (
	KindStatus  Kind = "status"
	KindVolume  Kind = "volume"
	KindPrice   Kind = "price"
	KindMissing Kind = "missing"
)

// Discrepancy is one difference found by a sweep.
type Discrepancy struct {
	OrderID     string `json:"order_id"`
	Ticket      uint64 `json:"ticket"`
	Kind        Kind   `json:"kind"`
	Local       string `json:"local"`
	Broker      string `json:"broker"`
	Description string `json:"description"`
	Healed      bool   `json:"healed"`
}

// Report summarizes one sweep.
type Report struct {
	Timestamp        time.Time     `json:"timestamp"`
	TotalOrders      int           `json:"total_orders"`
	ReconciledCount  int           `json:"reconciled_count"`
	DiscrepancyCount int           `json:"discrepancy_count"`
	Discrepancies    []Discrepancy `json:"discrepancies"`
	Healed           int           `json:"healed"`
	Duration         time.Duration `json:"duration"`
}

// Missing returns the discrepancies of kind missing.
func (r Report) Missing() []Discrepancy {
	var out []Discrepancy
	for _, d := range r.Discrepancies {
		if d.Kind == KindMissing {
			out = append(out, d)
		}
	}
	return out
}

func (r *Report) add(d Discrepancy) {
	r.Discrepancies = append(r.Discrepancies, d)
	r.DiscrepancyCount = len(r.Discrepancies)
	if d.Healed {
		r.Healed++
	}
}

// String renders the report for the command line and notifications.
func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reconciliation at %s: %d orders, %d reconciled, %d discrepancies, %d healed (%v)",
		r.Timestamp.Format(time.RFC3339), r.TotalOrders, r.ReconciledCount, r.DiscrepancyCount, r.Healed, r.Duration)
	for _, d := range r.Discrepancies {
		state := "open"
		if d.Healed {
			state = "healed"
		}
		fmt.Fprintf(&b, "\n  [%s] order %s ticket %d: %s (%s)", d.Kind, d.OrderID, d.Ticket, d.Description, state)
	}
	return b.String()
}

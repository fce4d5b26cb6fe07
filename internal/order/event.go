package order

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventCreated         EventType = "CREATED"
	EventSubmitted       EventType = "SUBMITTED"
	EventFilled          EventType = "FILLED"
	EventPartiallyFilled EventType = "PARTIALLY_FILLED"
	EventCancelled       EventType = "CANCELLED"
	EventRejected        EventType = "REJECTED"
	EventExpired         EventType = "EXPIRED"
	EventModified        EventType = "MODIFIED"
	EventError           EventType = "ERROR"
)

// AllEventTypes lists every event type.
var AllEventTypes = []EventType{
	EventCreated, EventSubmitted, EventFilled, EventPartiallyFilled,
	EventCancelled, EventRejected, EventExpired, EventModified, EventError,
}

func (t EventType) Valid() bool {
	for _, v := range AllEventTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Source tells who caused a transition.
type Source string

const (
	SourceUser           Source = "user"
	SourceBroker         Source = "broker"
	SourceTracker        Source = "tracker"
	SourceReconciliation Source = "reconciliation"
)

// Event is an immutable record of one order state transition. ID, Seq and
// Timestamp are assigned by the store.
type Event struct {
	ID        string
	Seq       int64
	OrderID   string
	Type      EventType
	Timestamp time.Time
	Payload   Payload
	Message   string
}

// Validate checks the event type and that the payload variant belongs to it.
func (e Event) Validate() error {
	if e.OrderID == "" {
		return &ValidationError{Field: "order_id", Reason: "event must reference an order"}
	}
	if !e.Type.Valid() {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown event type %q", e.Type)}
	}
	if e.Payload != nil && !e.Payload.belongsTo(e.Type) {
		return &ValidationError{Field: "payload", Reason: fmt.Sprintf("%T is not a %s payload", e.Payload, e.Type)}
	}
	return nil
}

// Payload is the closed set of event payloads. Each event type accepts
// exactly one payload type.
type Payload interface {
	belongsTo(EventType) bool
}

type CreatedPayload struct {
	UserID     string  `json:"user_id"`
	StrategyID string  `json:"strategy_id,omitempty"`
	Symbol     string  `json:"symbol"`
	Kind       Kind    `json:"kind"`
	Volume     float64 `json:"volume"`
	Price      float64 `json:"price,omitempty"`
}

type SubmittedPayload struct {
	Ticket   uint64 `json:"ticket"`
	Attempts int    `json:"attempts,omitempty"`
	Source   Source `json:"source"`
}

// FillPayload is used by both FILLED and PARTIALLY_FILLED events.
type FillPayload struct {
	FilledVolume     float64 `json:"filled_volume"`
	DeltaVolume      float64 `json:"delta_volume"`
	FillPrice        float64 `json:"fill_price"`
	AverageFillPrice float64 `json:"average_fill_price"`
	Source           Source  `json:"source"`
}

type CancelledPayload struct {
	PreviousStatus  Status `json:"previous_status"`
	BrokerCancelled bool   `json:"broker_cancelled"`
	BrokerError     string `json:"broker_error,omitempty"`
	Source          Source `json:"source"`
}

type RejectedPayload struct {
	ReturnCode int    `json:"return_code"`
	Reason     string `json:"reason"`
	Source     Source `json:"source"`
}

type ExpiredPayload struct {
	Source Source `json:"source"`
}

// FieldChange is one entry of a MODIFIED diff. Values are rendered as text.
type FieldChange struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

type ModifiedPayload struct {
	Changes      []FieldChange `json:"changes"`
	BrokerSynced bool          `json:"broker_synced"`
	BrokerError  string        `json:"broker_error,omitempty"`
}

type ErrorPayload struct {
	Attempts int    `json:"attempts"`
	Cause    string `json:"cause"`
}

func (CreatedPayload) belongsTo(t EventType) bool   { return t == EventCreated }
func (SubmittedPayload) belongsTo(t EventType) bool { return t == EventSubmitted }
func (FillPayload) belongsTo(t EventType) bool {
	return t == EventFilled || t == EventPartiallyFilled
}
func (CancelledPayload) belongsTo(t EventType) bool { return t == EventCancelled }
func (RejectedPayload) belongsTo(t EventType) bool  { return t == EventRejected }
func (ExpiredPayload) belongsTo(t EventType) bool   { return t == EventExpired }
func (ModifiedPayload) belongsTo(t EventType) bool  { return t == EventModified }
func (ErrorPayload) belongsTo(t EventType) bool     { return t == EventError }

// EncodePayload renders a payload for storage. A nil payload encodes as
// an empty JSON object.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", p, err)
	}
	return data, nil
}

// DecodePayload parses a stored payload into the variant owned by t.
func DecodePayload(t EventType, data []byte) (Payload, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	var (
		p   Payload
		err error
	)
	switch t {
	case EventCreated:
		var v CreatedPayload
		err = json.Unmarshal(data, &v)
		p = v
	case EventSubmitted:
		var v SubmittedPayload
		err = json.Unmarshal(data, &v)
		p = v
	case EventFilled, EventPartiallyFilled:
		var v FillPayload
		err = json.Unmarshal(data, &v)
		p = v
	case EventCancelled:
		var v CancelledPayload
		err = json.Unmarshal(data, &v)
		p = v
	case EventRejected:
		var v RejectedPayload
		err = json.Unmarshal(data, &v)
		p = v
	case EventExpired:
		var v ExpiredPayload
		err = json.Unmarshal(data, &v)
		p = v
	case EventModified:
		var v ModifiedPayload
		err = json.Unmarshal(data, &v)
		p = v
	case EventError:
		var v ErrorPayload
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
	}
	return p, nil
}

package webhook

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Canonical event types. Provider payloads name events differently
// across versions; Normalize maps them onto this closed set.
const (
	TypeDeposit  = "deposit"
	TypePayout   = "payout"
	TypeCheckout = "checkout"
	TypeAddress  = "address"
	TypeUnknown  = "unknown"
)

// Event is the canonical form of a provider callback. All
// provider-specific field mapping lives in Normalize; dispatch and
// handlers only ever see this shape.
type Event struct {
	EventID        string
	Type           string
	RawType        string
	Status         string
	Amount         decimal.Decimal
	Currency       string
	ExternalUserID string
	ExternalTxRef  string
	Metadata       map[string]string
}

// rawEnvelope matches the provider's outer payload shape
// {event, id, data:{...}}.
type rawEnvelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data"`
}

type rawData struct {
	Amount         flexAmount   `json:"amount"`
	Currency       string       `json:"currency"`
	Status         string       `json:"status"`
	ExternalUserID string       `json:"externalUserId"`
	Reference      string       `json:"reference"`
	TransactionRef string       `json:"transactionRef"`
	Metadata       flexMetadata `json:"metadata"`
}

// flexAmount accepts a scalar (number or numeric string) or an object
// {value, currency}. Older provider versions send the scalar form.
type flexAmount struct {
	Value    decimal.Decimal
	Currency string
}

func (a *flexAmount) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, "{") {
		var obj struct {
			Value    json.Number `json:"value"`
			Currency string      `json:"currency"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		if obj.Value != "" {
			v, err := decimal.NewFromString(obj.Value.String())
			if err != nil {
				return fmt.Errorf("amount value %q: %w", obj.Value, err)
			}
			a.Value = v
		}
		a.Currency = obj.Currency
		return nil
	}

	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		// Numeric string form: "12.50".
		var s string
		if err2 := json.Unmarshal(b, &s); err2 != nil {
			return err
		}
		num = json.Number(s)
	}
	v, err := decimal.NewFromString(num.String())
	if err != nil {
		return fmt.Errorf("amount %q: %w", num, err)
	}
	a.Value = v
	return nil
}

// flexMetadata accepts either a JSON object or a list of
// {name, value} pairs.
type flexMetadata map[string]string

func (m *flexMetadata) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" || trimmed == "null" {
		return nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var pairs []struct {
			Name  string          `json:"name"`
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(b, &pairs); err != nil {
			return err
		}
		out := make(map[string]string, len(pairs))
		for _, p := range pairs {
			out[p.Name] = rawToString(p.Value)
		}
		*m = out
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		out[k] = rawToString(v)
	}
	*m = out
	return nil
}

func rawToString(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(v))
}

// Normalize parses a raw provider payload into the canonical Event.
func Normalize(raw []byte) (*Event, error) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("webhook: malformed payload: %w", err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("webhook: payload missing event id")
	}

	var data rawData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("webhook: malformed data section: %w", err)
		}
	}

	currency := data.Currency
	if currency == "" {
		currency = data.Amount.Currency
	}
	ref := data.TransactionRef
	if ref == "" {
		ref = data.Reference
	}

	ev := &Event{
		EventID:        env.ID,
		Type:           classify(env.Event),
		RawType:        env.Event,
		Status:         data.Status,
		Amount:         data.Amount.Value,
		Currency:       currency,
		ExternalUserID: data.ExternalUserID,
		ExternalTxRef:  ref,
		Metadata:       data.Metadata,
	}
	return ev, nil
}

// classify maps a provider event name onto a canonical type. Matching
// is by topic prefix so that e.g. "deposit.success" and
// "collection.received" both land on TypeDeposit.
func classify(rawType string) string {
	topic := strings.ToLower(rawType)
	if i := strings.IndexAny(topic, "._"); i > 0 {
		topic = topic[:i]
	}
	switch topic {
	case "deposit", "collection":
		return TypeDeposit
	case "payout", "withdrawal", "transfer":
		return TypePayout
	case "checkout", "payment":
		return TypeCheckout
	case "address":
		return TypeAddress
	default:
		return TypeUnknown
	}
}

package webhook

import (
	"encoding/json"
	"fmt"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
)

type Action int

const (
	ActionMarkPaid Action = iota + 1
	ActionCancel
)

func (a Action) String() string {
	switch a {
	case ActionMarkPaid:
		return "mark_paid"
	case ActionCancel:
		return "cancel"
	}
	return "unknown"
}

// Instruction is what a provider callback asks the engine to do.
type Instruction struct {
	EventID     string
	OrderID     string
	Action      Action
	AmountCents int
	PaymentRef  string
	Reason      string
}

// Decoder turns one provider's raw payload into an Instruction. Malformed or
// unsupported payloads return *RejectedError.
type Decoder interface {
	Decode(payload []byte) (Instruction, error)
}

type DecoderFunc func(payload []byte) (Instruction, error)

func (f DecoderFunc) Decode(payload []byte) (Instruction, error) { return f(payload) }

// DefaultDecoders are the providers wired into the api process.
func DefaultDecoders() map[string]Decoder {
	return map[string]Decoder{
		"stripe":  DecoderFunc(DecodeStripe),
		"mockpay": DecoderFunc(DecodeMockPay),
	}
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string            `json:"id"`
			Amount   *int              `json:"amount"`
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

func DecodeStripe(payload []byte) (Instruction, error) {
	var ev stripeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Instruction{}, rejectf("malformed payload: %v", err)
	}
	obj := ev.Data.Object
	ins := Instruction{EventID: ev.ID, OrderID: obj.Metadata["order_id"], PaymentRef: obj.ID}
	if ins.OrderID == "" {
		return Instruction{}, rejectf("missing data.object.metadata.order_id")
	}

	switch ev.Type {
	case "payment_intent.succeeded":
		if obj.Amount == nil {
			return Instruction{}, rejectf("missing data.object.amount")
		}
		ins.Action, ins.AmountCents = ActionMarkPaid, *obj.Amount
	case "payment_intent.canceled":
		ins.Action, ins.Reason = ActionCancel, orders.ReasonPaymentCanceled
	case "payment_intent.payment_failed":
		ins.Action, ins.Reason = ActionCancel, orders.ReasonPaymentFailed
	default:
		return Instruction{}, rejectf("unsupported event type %q", ev.Type)
	}
	return ins, nil
}

type mockPayEvent struct {
	EventID     string `json:"event_id"`
	OrderID     string `json:"order_id"`
	Status      string `json:"status"`
	AmountCents *int   `json:"amount_cents"`
}

func DecodeMockPay(payload []byte) (Instruction, error) {
	var ev mockPayEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Instruction{}, rejectf("malformed payload: %v", err)
	}
	if ev.OrderID == "" {
		return Instruction{}, rejectf("missing order_id")
	}
	ins := Instruction{EventID: ev.EventID, OrderID: ev.OrderID}
	switch ev.Status {
	case "paid":
		if ev.AmountCents == nil {
			return Instruction{}, rejectf("missing amount_cents")
		}
		ins.Action, ins.AmountCents = ActionMarkPaid, *ev.AmountCents
	case "canceled":
		ins.Action, ins.Reason = ActionCancel, orders.ReasonPaymentCanceled
	default:
		return Instruction{}, rejectf("unsupported status %q", ev.Status)
	}
	return ins, nil
}

// RejectedError marks a callback the engine will not apply.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "webhook rejected: " + e.Reason }

func rejectf(format string, args ...any) error {
	return &RejectedError{Reason: fmt.Sprintf(format, args...)}
}

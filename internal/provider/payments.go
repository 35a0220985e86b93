package provider

import (
	"encoding/json"
	"fmt"
)

// PaymentEvent is the payments provider notification body.
type PaymentEvent struct {
	MerchantID string `json:"merchant_id"`
	EventID    string `json:"event_id"`
	Type       string `json:"type"`
	CreatedAt  string `json:"created_at"`
	Data       struct {
		Type   string          `json:"type"`
		ID     string          `json:"id"`
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type Money struct {
	Amount   int64  `json:"amount"` // minor units
	Currency string `json:"currency"`
}

type Payment struct {
	ID          string `json:"id"`
	Status      string `json:"status"` // APPROVED|COMPLETED|FAILED|CANCELED
	CustomerID  string `json:"customer_id"`
	OrderID     string `json:"order_id"`
	SourceType  string `json:"source_type"`
	AmountMoney Money  `json:"amount_money"`
}

type Subscription struct {
	ID              string `json:"id"`
	Status          string `json:"status"` // ACTIVE|CANCELED|PAUSED|...
	CustomerID      string `json:"customer_id"`
	PlanVariationID string `json:"plan_variation_id"`
}

type Refund struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	PaymentID   string `json:"payment_id"`
	AmountMoney Money  `json:"amount_money"`
}

// DecodePayment extracts data.object.payment.
func DecodePayment(payload []byte) (Payment, error) {
	var obj struct {
		Payment *Payment `json:"payment"`
	}
	if err := decodeObject(payload, &obj); err != nil {
		return Payment{}, err
	}
	if obj.Payment == nil || obj.Payment.ID == "" {
		return Payment{}, fmt.Errorf("%w: missing payment object", ErrMalformed)
	}
	return *obj.Payment, nil
}

// DecodeSubscription extracts data.object.subscription.
func DecodeSubscription(payload []byte) (Subscription, error) {
	var obj struct {
		Subscription *Subscription `json:"subscription"`
	}
	if err := decodeObject(payload, &obj); err != nil {
		return Subscription{}, err
	}
	if obj.Subscription == nil || obj.Subscription.ID == "" {
		return Subscription{}, fmt.Errorf("%w: missing subscription object", ErrMalformed)
	}
	return *obj.Subscription, nil
}

// DecodeRefund extracts data.object.refund.
func DecodeRefund(payload []byte) (Refund, error) {
	var obj struct {
		Refund *Refund `json:"refund"`
	}
	if err := decodeObject(payload, &obj); err != nil {
		return Refund{}, err
	}
	if obj.Refund == nil || obj.Refund.ID == "" {
		return Refund{}, fmt.Errorf("%w: missing refund object", ErrMalformed)
	}
	return *obj.Refund, nil
}

func decodeObject(payload []byte, dst any) error {
	var ev PaymentEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(ev.Data.Object) == 0 {
		return fmt.Errorf("%w: missing data.object", ErrMalformed)
	}
	if err := json.Unmarshal(ev.Data.Object, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

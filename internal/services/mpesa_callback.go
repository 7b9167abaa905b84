package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Callback is the flattened form of a Daraja STK callback envelope.
// Pointer fields are nil when the provider omitted them.
type Callback struct {
	ResultCode        *int
	ResultDesc        string
	CheckoutRequestID string
	MerchantRequestID string

	MpesaReceiptNumber *string
	TransactionDate    *string
	Amount             *decimal.Decimal
	PhoneNumber        *string

	// Metadata holds every CallbackMetadata item by name.
	Metadata map[string]any
	Raw      json.RawMessage
}

type callbackEnvelope struct {
	Body *struct {
		StkCallback *struct {
			MerchantRequestID string      `json:"MerchantRequestID"`
			CheckoutRequestID string      `json:"CheckoutRequestID"`
			ResultCode        json.Number `json:"ResultCode"`
			ResultDesc        string      `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []struct {
					Name  string `json:"Name"`
					Value any    `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback extracts the result and metadata from a callback body.
// Missing nested keys produce nil fields; only invalid JSON is an error.
func ParseCallback(payload []byte) (*Callback, error) {
	if !json.Valid(payload) {
		return nil, &MalformedCallbackError{Err: errors.New("body is not valid JSON")}
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var env callbackEnvelope
	if err := dec.Decode(&env); err != nil {
		return nil, &MalformedCallbackError{Err: err}
	}

	cb := &Callback{
		Metadata: map[string]any{},
		Raw:      json.RawMessage(payload),
	}
	if env.Body == nil || env.Body.StkCallback == nil {
		return cb, nil
	}

	stk := env.Body.StkCallback
	cb.ResultDesc = stk.ResultDesc
	cb.CheckoutRequestID = stk.CheckoutRequestID
	cb.MerchantRequestID = stk.MerchantRequestID
	if code, err := stk.ResultCode.Int64(); err == nil {
		v := int(code)
		cb.ResultCode = &v
	}

	if stk.CallbackMetadata != nil {
		for _, item := range stk.CallbackMetadata.Item {
			if item.Name == "" {
				continue
			}
			cb.Metadata[item.Name] = item.Value
		}
	}

	cb.MpesaReceiptNumber = metadataString(cb.Metadata, "MpesaReceiptNumber")
	cb.TransactionDate = metadataString(cb.Metadata, "TransactionDate")
	cb.PhoneNumber = metadataString(cb.Metadata, "PhoneNumber")
	if raw := metadataString(cb.Metadata, "Amount"); raw != nil {
		if amount, err := decimal.NewFromString(*raw); err == nil {
			cb.Amount = &amount
		}
	}

	return cb, nil
}

// metadataString renders a metadata value as text. Numbers keep their
// exact digits because the decoder runs with UseNumber.
func metadataString(metadata map[string]any, name string) *string {
	value, ok := metadata[name]
	if !ok || value == nil {
		return nil
	}
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case json.Number:
		s = v.String()
	case bool:
		s = strconv.FormatBool(v)
	default:
		s = fmt.Sprint(v)
	}
	return &s
}

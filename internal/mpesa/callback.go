package mpesa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/airfi/airfi-mpesa-gateway/internal/session"
)

// ErrMalformedCallback is returned when a callback body lacks required fields.
var ErrMalformedCallback = errors.New("malformed mpesa callback")

// receiptItem is the metadata item carrying the transaction receipt.
const receiptItem = "MpesaReceiptNumber"

// CallbackEnvelope is the body Daraja posts to the callback URL.
type CallbackEnvelope struct {
	Body *struct {
		StkCallback *StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

// StkCallback is the result of an STK push.
type StkCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        json.RawMessage   `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

// CallbackMetadata is present only on successful payments.
type CallbackMetadata struct {
	Item []CallbackItem `json:"Item"`
}

// CallbackItem is a name/value pair; Value may be a number or a string.
type CallbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// ParseCallback extracts the reconciliation fields from a callback body.
// CheckoutRequestID and ResultCode are required; metadata is optional.
func ParseCallback(body []byte) (session.CallbackResult, error) {
	var env CallbackEnvelope
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return session.CallbackResult{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if env.Body == nil || env.Body.StkCallback == nil {
		return session.CallbackResult{}, fmt.Errorf("%w: missing Body.stkCallback", ErrMalformedCallback)
	}

	cb := env.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return session.CallbackResult{}, fmt.Errorf("%w: missing CheckoutRequestID", ErrMalformedCallback)
	}

	code, err := parseResultCode(cb.ResultCode)
	if err != nil {
		return session.CallbackResult{}, err
	}

	result := session.CallbackResult{
		CorrelationID: cb.CheckoutRequestID,
		ResultCode:    code,
		ResultDesc:    cb.ResultDesc,
	}
	if cb.CallbackMetadata != nil {
		for _, item := range cb.CallbackMetadata.Item {
			if item.Name == receiptItem {
				result.Receipt = scalarString(item.Value)
			}
		}
	}
	return result, nil
}

// CorrelationID returns the CheckoutRequestID of a body if one can be read,
// for auditing payloads that fail full parsing.
func CorrelationID(body []byte) string {
	var env CallbackEnvelope
	if json.Unmarshal(body, &env) != nil || env.Body == nil || env.Body.StkCallback == nil {
		return ""
	}
	return env.Body.StkCallback.CheckoutRequestID
}

// parseResultCode accepts 0 and "0" alike.
func parseResultCode(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("%w: missing ResultCode", ErrMalformedCallback)
	}
	s := scalarString(raw)
	code, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid ResultCode %s", ErrMalformedCallback, raw)
	}
	return code, nil
}

func scalarString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

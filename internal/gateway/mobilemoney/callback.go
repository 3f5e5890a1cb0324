package mobilemoney

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
)

// Callback is the asynchronous push result posted by the provider.
type Callback struct {
	Body struct {
		StkCallback StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type StkCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        int               `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

type CallbackMetadata struct {
	Item []CallbackItem `json:"Item"`
}

type CallbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// CallbackResult is the provider-neutral reading of a Callback.
type CallbackResult struct {
	CheckoutRequestID string
	Success           bool
	ResultCode        int
	ResultDesc        string
	Amount            *decimal.Decimal
	Receipt           string
	Phone             string
}

func ParseCallback(raw []byte) (CallbackResult, error) {
	var cb Callback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return CallbackResult{}, apperr.Validation("invalid callback body: %v", err)
	}
	stk := cb.Body.StkCallback
	if stk.CheckoutRequestID == "" {
		return CallbackResult{}, apperr.Validation("callback carries no CheckoutRequestID")
	}

	res := CallbackResult{
		CheckoutRequestID: stk.CheckoutRequestID,
		Success:           stk.ResultCode == 0,
		ResultCode:        stk.ResultCode,
		ResultDesc:        stk.ResultDesc,
	}
	if stk.CallbackMetadata == nil {
		return res, nil
	}
	for _, item := range stk.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			amount, err := decimal.NewFromString(unquote(item.Value))
			if err != nil {
				return CallbackResult{}, apperr.Validation("callback amount %s: %v", item.Value, err)
			}
			res.Amount = &amount
		case "MpesaReceiptNumber":
			res.Receipt = unquote(item.Value)
		case "PhoneNumber":
			res.Phone = unquote(item.Value)
		}
	}
	return res, nil
}

// unquote renders a JSON scalar as plain text.
func unquote(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return fmt.Sprint(string(v))
}

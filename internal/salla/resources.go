package salla

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// StoreInfo is the data of GET /store/info.
type StoreInfo struct {
	ID       FlexibleID `json:"id"`
	Name     string     `json:"name"`
	Email    string     `json:"email"`
	Domain   string     `json:"domain"`
	Plan     string     `json:"plan"`
	Type     string     `json:"type"`
	Avatar   string     `json:"avatar"`
	Currency string     `json:"currency"`
}

// FlexibleID accepts an identifier sent either as a JSON number or string.
type FlexibleID string

func (id *FlexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	*id = FlexibleID(n.String())
	return nil
}

func (id FlexibleID) String() string {
	return string(id)
}

// StoreInfo validates token by fetching the store it belongs to. Any answer
// other than status 200 is reported as ErrInvalidCredential.
func (c *Client) StoreInfo(ctx context.Context, token string) (*StoreInfo, error) {
	envelope, err := c.Get(ctx, "/store/info", token)
	if err != nil {
		return nil, err
	}
	if !envelope.OK() {
		return nil, fmt.Errorf("%w: store info returned status %d%s", ErrInvalidCredential, envelope.Status, envelope.errorSuffix())
	}

	var info StoreInfo
	if err := json.Unmarshal(envelope.Data, &info); err != nil {
		return nil, fmt.Errorf("%w: decoding store info: %w", ErrUpstreamUnavailable, err)
	}
	return &info, nil
}

func (c *Client) Products(ctx context.Context, token string, page, perPage int) (*Envelope, error) {
	return c.Get(ctx, pagePath("/products", page, perPage), token)
}

func (c *Client) Orders(ctx context.Context, token string, page, perPage int) (*Envelope, error) {
	return c.Get(ctx, pagePath("/orders", page, perPage), token)
}

func (c *Client) Customers(ctx context.Context, token string, page, perPage int) (*Envelope, error) {
	return c.Get(ctx, pagePath("/customers", page, perPage), token)
}

// Order holds the order fields used for store statistics. Fields whose JSON
// shape differs from amounts.total.amount and status.name decode to zero
// values instead of failing the whole page.
type Order struct {
	Total    Amount
	Currency string
	Status   string
}

func (o *Order) UnmarshalJSON(data []byte) error {
	*o = Order{}

	var fields struct {
		Amounts json.RawMessage `json:"amounts"`
		Status  json.RawMessage `json:"status"`
	}
	if !decodeObject(data, &fields) {
		return nil
	}

	var amounts struct {
		Total json.RawMessage `json:"total"`
	}
	if decodeObject(fields.Amounts, &amounts) {
		var total struct {
			Amount   Amount          `json:"amount"`
			Currency json.RawMessage `json:"currency"`
		}
		if decodeObject(amounts.Total, &total) {
			o.Total = total.Amount
			_ = json.Unmarshal(total.Currency, &o.Currency)
		}
	}

	var status struct {
		Name json.RawMessage `json:"name"`
	}
	if decodeObject(fields.Status, &status) {
		_ = json.Unmarshal(status.Name, &o.Status)
	}
	return nil
}

// decodeObject reports whether raw is a JSON object and decodes it into dst.
func decodeObject(raw json.RawMessage, dst any) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

// Amount is a money value that Salla may send as a number or a numeric
// string. Anything else decodes to zero.
type Amount float64

func (a *Amount) UnmarshalJSON(data []byte) error {
	*a = 0
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		raw = strings.TrimSpace(s)
	}

	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return nil
	}
	*a = Amount(value)
	return nil
}

// Pagination is the subset of Salla's pagination block read for counts.
type Pagination struct {
	Total int64 `json:"total"`
}

// DecodeOrders reads the data array of an orders envelope.
func DecodeOrders(envelope *Envelope) ([]Order, error) {
	if envelope == nil || len(envelope.Data) == 0 || bytes.Equal(envelope.Data, []byte("null")) {
		return nil, nil
	}
	var orders []Order
	if err := json.Unmarshal(envelope.Data, &orders); err != nil {
		return nil, fmt.Errorf("%w: decoding orders: %w", ErrUpstreamUnavailable, err)
	}
	return orders, nil
}

// Total returns pagination.total, or 0 when the envelope carries none.
func (e *Envelope) Total() int64 {
	if e == nil || len(e.Pagination) == 0 {
		return 0
	}
	var p Pagination
	if err := json.Unmarshal(e.Pagination, &p); err != nil {
		return 0
	}
	return p.Total
}

func (e *Envelope) errorSuffix() string {
	if e == nil || e.Error == nil || e.Error.Message == "" {
		return ""
	}
	return ": " + e.Error.Message
}

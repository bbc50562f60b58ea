package httpstore

import (
	"time"

	"github.com/ebogdum/lablock/coordination"
)

// Error codes carried in gateway error bodies
const (
	CodeNotFound         = "NOT_FOUND"
	CodeAlreadyExists    = "ALREADY_EXISTS"
	CodeValueMismatch    = "VALUE_MISMATCH"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeNotSupported     = "NOT_SUPPORTED"
	CodeBadRequest       = "BAD_REQUEST"
	CodeUnauthorized     = "AUTHENTICATION_FAILED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInternal         = "INTERNAL_ERROR"
)

// EntryResponse is the JSON form of a coordination.Entry.
type EntryResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	TTLMs int64  `json:"ttl_ms"`
}

// CreateRequest is the body of PUT /v1/entries
type CreateRequest struct {
	Value string `json:"value"`
	TTLMs int64  `json:"ttl_ms"`
}

// RefreshRequest is the body of PATCH /v1/entries
type RefreshRequest struct {
	TTLMs int64 `json:"ttl_ms"`
}

// ErrorResponse is the body of every non-2xx gateway response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEntryResponse converts an entry for the wire
func NewEntryResponse(e coordination.Entry) EntryResponse {
	return EntryResponse{Key: e.Key, Value: e.Value, TTLMs: e.TTL.Milliseconds()}
}

// Entry converts the wire form back into a coordination.Entry
func (r EntryResponse) Entry() coordination.Entry {
	return coordination.Entry{Key: r.Key, Value: r.Value, TTL: time.Duration(r.TTLMs) * time.Millisecond}
}

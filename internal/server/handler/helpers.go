package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyield/internal/domain"
	"github.com/alanyoungcy/polyield/internal/server/middleware"
)

// errorResponse is the body of every error reply.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeJSON marshals v as JSON and writes it with the given status. If
// marshaling fails, it falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error","code":"internal"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// errorCode extends domain.ErrorCode with transport-level input errors.
func errorCode(err error) string {
	if errors.Is(err, errBadRequest) {
		return "bad_request"
	}
	return domain.ErrorCode(err)
}

// writeError replies with err's message and API code.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: errorCode(err)})
}

// statusFor maps an API error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case "invalid_amount", "market_id_too_long", "invalid_market_id", "invalid_position",
		"decimals_mismatch", "mint_mismatch", "bad_request":
		return http.StatusBadRequest
	case "bad_signature", "stale_request", "nonce_reused":
		return http.StatusUnauthorized
	case "unauthorized", "owner_mismatch", "invalid_signer":
		return http.StatusForbidden
	case "record_not_found", "vault_not_found", "mint_not_found",
		"account_not_found", "not_found":
		return http.StatusNotFound
	case "already_initialized", "already_exists":
		return http.StatusConflict
	case "insufficient_funds", "insufficient_balance", "overflow",
		"underflow", "account_frozen", "record_mismatch":
		return http.StatusUnprocessableEntity
	case "rate_limited":
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// respondErr writes a domain error with its mapped status. Unknown errors
// are logged and hidden behind a generic 500.
func respondErr(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	code := errorCode(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("request_id", middleware.RequestID(r.Context())),
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, errorResponse{Error: "internal server error", Code: code})
		return
	}
	writeError(w, status, err)
}

// errBadRequest marks malformed input that has no domain sentinel.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// decodeBody reads a JSON body into v, rejecting unknown fields.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, middleware.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

// parseAddress parses a hex address from a path or query value.
func parseAddress(name, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, badRequest("%s must be a hex address", name)
	}
	return common.HexToAddress(s), nil
}

// pathAddress parses the named path parameter as an address.
func pathAddress(r *http.Request, name string) (common.Address, error) {
	return parseAddress(name, r.PathValue(name))
}

// requireCaller returns the authenticated caller or ErrUnauthorized.
func requireCaller(r *http.Request) (common.Address, error) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		return common.Address{}, fmt.Errorf("%w: request is not signed", domain.ErrUnauthorized)
	}
	return caller, nil
}

// parseListOpts extracts paging parameters and the optional since/until
// window. Defaults: limit=50 (max 500), offset=0. Unparsable values fall back
// to the defaults.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	opts := domain.ListOpts{Limit: limit, Offset: offset}
	if t, err := time.Parse(time.RFC3339Nano, q.Get("since")); err == nil {
		opts.Since = &t
	}
	if t, err := time.Parse(time.RFC3339Nano, q.Get("until")); err == nil {
		opts.Until = &t
	}
	return opts
}

// amountInput is the amount part of a request body. Exactly one field must be
// set: Amount in base units or UIAmount in whole-token units.
type amountInput struct {
	Amount   string `json:"amount,omitempty"`
	UIAmount string `json:"ui_amount,omitempty"`
}

func (a amountInput) resolve(decimals uint8) (uint64, error) {
	switch {
	case a.Amount != "" && a.UIAmount != "":
		return 0, fmt.Errorf("%w: set amount or ui_amount, not both", domain.ErrInvalidAmount)
	case a.Amount != "":
		n, err := strconv.ParseUint(strings.TrimSpace(a.Amount), 10, 64)
		if errors.Is(err, strconv.ErrRange) {
			return 0, fmt.Errorf("%w: amount %q exceeds u64", domain.ErrOverflow, a.Amount)
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %q", domain.ErrInvalidAmount, a.Amount)
		}
		return n, nil
	case a.UIAmount != "":
		return domain.ParseAmount(a.UIAmount, decimals)
	default:
		return 0, fmt.Errorf("%w: amount is required", domain.ErrInvalidAmount)
	}
}

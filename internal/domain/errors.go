package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
)

// Vault ledger errors. Every one of them aborts the unit of work it occurs in.
var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrMarketIDTooLong    = errors.New("market id too long (max 64 bytes)")
	ErrInvalidMarketID    = errors.New("market id must be UTF-8 without NUL bytes")
	ErrOverflow           = errors.New("arithmetic overflow")
	ErrUnderflow          = errors.New("arithmetic underflow")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrRecordNotFound     = errors.New("position record not found")
	ErrRecordMismatch     = errors.New("position record does not match its derived address")
	ErrVaultNotFound      = errors.New("vault not initialized")
	ErrAlreadyInitialized = errors.New("vault already initialized")
	ErrInvalidPosition    = errors.New("invalid position")
)

// Token transfer service errors.
var (
	ErrMintNotFound        = errors.New("mint not found")
	ErrAccountNotFound     = errors.New("token account not found")
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrAccountFrozen       = errors.New("token account frozen")
	ErrMintMismatch        = errors.New("mint mismatch")
	ErrDecimalsMismatch    = errors.New("decimals mismatch")
	ErrOwnerMismatch       = errors.New("authority does not own source account")
	ErrInvalidSigner       = errors.New("invalid signer")
)

// Request authentication errors.
var (
	ErrBadSignature = errors.New("bad request signature")
	ErrStaleRequest = errors.New("request timestamp outside allowed window")
	ErrNonceReused  = errors.New("request nonce already used")
)

// errorCodes maps sentinel errors to the stable codes exposed by the API.
var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidAmount, "invalid_amount"},
	{ErrMarketIDTooLong, "market_id_too_long"},
	{ErrInvalidMarketID, "invalid_market_id"},
	{ErrOverflow, "overflow"},
	{ErrUnderflow, "underflow"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrUnauthorized, "unauthorized"},
	{ErrRecordNotFound, "record_not_found"},
	{ErrRecordMismatch, "record_mismatch"},
	{ErrVaultNotFound, "vault_not_found"},
	{ErrAlreadyInitialized, "already_initialized"},
	{ErrInvalidPosition, "invalid_position"},
	{ErrMintNotFound, "mint_not_found"},
	{ErrAccountNotFound, "account_not_found"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrAccountFrozen, "account_frozen"},
	{ErrMintMismatch, "mint_mismatch"},
	{ErrDecimalsMismatch, "decimals_mismatch"},
	{ErrOwnerMismatch, "owner_mismatch"},
	{ErrInvalidSigner, "invalid_signer"},
	{ErrBadSignature, "bad_signature"},
	{ErrStaleRequest, "stale_request"},
	{ErrNonceReused, "nonce_reused"},
	{ErrRateLimited, "rate_limited"},
	{ErrNotFound, "not_found"},
	{ErrAlreadyExists, "already_exists"},
}

// ErrorCode returns the API code for err, or "internal" when err does not wrap
// a known domain error.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "internal"
}

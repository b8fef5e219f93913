package middleware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyield/internal/crypto"
	"github.com/alanyoungcy/polyield/internal/domain"
)

// MaxBodyBytes bounds the request bodies the signature check reads.
const MaxBodyBytes = 1 << 20

// SignatureConfig tunes request signature checks.
type SignatureConfig struct {
	// MaxSkew is how far the signed timestamp may drift from the server clock.
	MaxSkew time.Duration
	// NonceTTL is how long a used nonce is remembered. It should be at least
	// twice MaxSkew.
	NonceTTL time.Duration
	Now      func() time.Time
}

type callerKey struct{}

// WithCaller returns ctx carrying the authenticated caller.
func WithCaller(ctx context.Context, addr common.Address) context.Context {
	if info := infoFrom(ctx); info != nil {
		info.caller, info.authed = addr, true
	}
	return context.WithValue(ctx, callerKey{}, addr)
}

// Caller returns the authenticated caller stored by Signature.
func Caller(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}

// Signature authenticates mutating requests by recovering the signer of the
// X-Polyield-* headers. GET, HEAD and OPTIONS pass through without a caller.
func Signature(nonces domain.NonceStore, cfg SignatureConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			caller, status, err := authenticate(r, nonces, cfg)
			if err != nil {
				logger.WarnContext(r.Context(), "middleware: request rejected",
					slog.String("request_id", RequestID(r.Context())),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				writeError(w, status, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// authenticate verifies the signature headers and claims the nonce. The body
// is read and replaced so handlers can decode it again.
func authenticate(r *http.Request, nonces domain.NonceStore, cfg SignatureConfig) (common.Address, int, error) {
	addrHex := r.Header.Get(crypto.HeaderAddress)
	tsRaw := r.Header.Get(crypto.HeaderTimestamp)
	nonce := r.Header.Get(crypto.HeaderNonce)
	sigHex := r.Header.Get(crypto.HeaderSignature)
	if addrHex == "" || tsRaw == "" || nonce == "" || sigHex == "" {
		return common.Address{}, http.StatusUnauthorized, fmt.Errorf("%w: missing authentication headers", domain.ErrBadSignature)
	}
	if !common.IsHexAddress(addrHex) {
		return common.Address{}, http.StatusUnauthorized, fmt.Errorf("%w: malformed address", domain.ErrBadSignature)
	}
	if len(nonce) > 128 {
		return common.Address{}, http.StatusUnauthorized, fmt.Errorf("%w: nonce too long", domain.ErrBadSignature)
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return common.Address{}, http.StatusUnauthorized, fmt.Errorf("%w: malformed timestamp", domain.ErrBadSignature)
	}
	skew := cfg.Now().Sub(time.Unix(ts, 0))
	if skew > cfg.MaxSkew || skew < -cfg.MaxSkew {
		return common.Address{}, http.StatusUnauthorized, domain.ErrStaleRequest
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return common.Address{}, http.StatusBadRequest, fmt.Errorf("read body: %w", err)
	}
	if len(body) > MaxBodyBytes {
		return common.Address{}, http.StatusRequestEntityTooLarge, errors.New("request body too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	sig, err := crypto.DecodeSignature(sigHex)
	if err != nil {
		return common.Address{}, http.StatusUnauthorized, fmt.Errorf("%w: %v", domain.ErrBadSignature, err)
	}
	recovered, err := crypto.RecoverAddress(crypto.RequestMessage(r.Method, r.URL.Path, ts, nonce, body), sig)
	if err != nil {
		return common.Address{}, http.StatusUnauthorized, fmt.Errorf("%w: %v", domain.ErrBadSignature, err)
	}
	if recovered != common.HexToAddress(addrHex) {
		return common.Address{}, http.StatusUnauthorized, fmt.Errorf("%w: signer does not match address", domain.ErrBadSignature)
	}

	if err := nonces.Claim(r.Context(), recovered, nonce, cfg.NonceTTL); err != nil {
		if errors.Is(err, domain.ErrNonceReused) {
			return common.Address{}, http.StatusUnauthorized, err
		}
		return common.Address{}, http.StatusServiceUnavailable, fmt.Errorf("claim nonce: %w", err)
	}
	return recovered, http.StatusOK, nil
}

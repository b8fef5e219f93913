package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Request authentication headers.
const (
	HeaderAddress   = "X-Polyield-Address"
	HeaderTimestamp = "X-Polyield-Timestamp"
	HeaderNonce     = "X-Polyield-Nonce"
	HeaderSignature = "X-Polyield-Signature"
)

// messagePrefix versions the signed request layout.
const messagePrefix = "polyield:v1"

// RequestMessage builds the text a client signs for one API request:
//
//	polyield:v1\n{METHOD}\n{path}\n{unix seconds}\n{nonce}\n{hex sha256(body)}
func RequestMessage(method, path string, timestamp int64, nonce string, body []byte) []byte {
	sum := sha256.Sum256(body)
	var b strings.Builder
	b.WriteString(messagePrefix)
	b.WriteByte('\n')
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteByte('\n')
	b.WriteString(nonce)
	b.WriteByte('\n')
	b.WriteString(hex.EncodeToString(sum[:]))
	return []byte(b.String())
}

// Signer signs messages with a secp256k1 key using EIP-191 personal_sign.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded private key, with or
// without 0x prefix.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the address of the signing key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignMessage returns the 65-byte EIP-191 signature of msg with V in {27, 28}.
func (s *Signer) SignMessage(msg []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash(msg), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// SignRequest sets the authentication headers on req for body. The caller
// passes the same bytes it sends as the request body.
func (s *Signer) SignRequest(req *http.Request, body []byte, at time.Time, nonce string) error {
	ts := at.Unix()
	sig, err := s.SignMessage(RequestMessage(req.Method, req.URL.Path, ts, nonce, body))
	if err != nil {
		return err
	}
	req.Header.Set(HeaderAddress, s.address.Hex())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, "0x"+hex.EncodeToString(sig))
	return nil
}

// RecoverAddress returns the address whose key produced the EIP-191
// signature sig over msg. V may be 0/1 or 27/28.
func RecoverAddress(msg, sig []byte) (common.Address, error) {
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("crypto/signer: signature must be %d bytes, got %d", ethcrypto.SignatureLength, len(sig))
	}
	normalized := bytes.Clone(sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, errors.New("crypto/signer: invalid recovery id")
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(msg), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// DecodeSignature parses a hex signature with optional 0x prefix.
func DecodeSignature(s string) ([]byte, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: decode signature: %w", err)
	}
	return sig, nil
}

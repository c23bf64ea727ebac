package exchange

import (
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer is component E: per-account monotonic nonce management and
// signed order/cancel construction, with the invalid-nonce retry policy
// of spec sections 4.1 and 7 (retry up to 3x with a 0.5s back-off before
// surfacing ErrInvalidNonce to the caller).
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	apiSecret  string // HMAC secret for venues that use key/secret auth instead of wallet signing
	nonce      atomic.Uint64
	mu         sync.Mutex
}

// NewWalletSigner builds a signer from a hex-encoded EIP-712 wallet key,
// used by nonce-and-wallet-signed venues (the "lighter" adapter).
func NewWalletSigner(privateKeyHex string, startNonce uint64) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("signer: parse private key: %w", err)
	}
	s := &Signer{
		privateKey: pk,
		address:    crypto.PubkeyToAddress(pk.PublicKey),
	}
	s.nonce.Store(startNonce)
	return s, nil
}

// NewHMACSigner builds a signer for key/secret REST venues (bybit,
// backpack), which have no on-chain nonce but still benefit from the
// same retry wrapper for transient auth failures.
func NewHMACSigner(apiSecret string) *Signer {
	return &Signer{apiSecret: apiSecret}
}

// Address returns the wallet address for wallet-signed venues.
func (s *Signer) Address() common.Address { return s.address }

// NextNonce atomically returns and increments the per-account nonce.
func (s *Signer) NextNonce() uint64 {
	return s.nonce.Add(1) - 1
}

// ResyncNonce force-sets the nonce counter, used after an invalid-nonce
// rejection to re-fetch the authoritative value from the venue.
func (s *Signer) ResyncNonce(n uint64) {
	s.nonce.Store(n)
}

// SignTypedData signs an EIP-712 typed-data payload with the wallet key.
func (s *Signer) SignTypedData(data apitypes.TypedData) ([]byte, error) {
	if s.privateKey == nil {
		return nil, errors.New("signer: no wallet key configured")
	}
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("signer: hash typed data: %w", err)
	}
	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("signer: sign: %w", err)
	}
	// go-ethereum returns v in {0,1}; most venues expect {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// HMACHeaders builds L2-style auth headers for key/secret REST venues:
// sign timestamp+method+path[+body] with HMAC-SHA256 over the API secret.
func (s *Signer) HMACHeaders(method, path, body string, ts time.Time) (map[string]string, error) {
	if s.apiSecret == "" {
		return nil, errors.New("signer: no api secret configured")
	}
	msg := strconv.FormatInt(ts.UnixMilli(), 10) + method + path + body
	sig, err := s.hmacSign(msg)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"X-Timestamp": strconv.FormatInt(ts.UnixMilli(), 10),
		"X-Signature": sig,
	}, nil
}

// hmacSign tries base64-url, base64-std, hex, and raw-bytes decoding of the
// secret in turn, matching the teacher's tolerance for venues that issue
// secrets in different encodings.
func (s *Signer) hmacSign(msg string) (string, error) {
	var key []byte
	if k, err := base64.URLEncoding.DecodeString(s.apiSecret); err == nil {
		key = k
	} else if k, err := base64.StdEncoding.DecodeString(s.apiSecret); err == nil {
		key = k
	} else if k, err := hex.DecodeString(s.apiSecret); err == nil {
		key = k
	} else {
		key = []byte(s.apiSecret)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// WithNonceRetry wraps a signed call with the invalid-nonce recovery
// policy of spec sections 4.1/7: on ErrInvalidNonce, re-fetch the
// authoritative nonce via refetch and retry, up to 3 attempts total with
// a 0.5s back-off.
func WithNonceRetry(ctx context.Context, signer *Signer, refetch func(ctx context.Context) (uint64, error), call func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		lastErr = call(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrInvalidNonce) {
			return lastErr
		}
		if refetch != nil {
			if n, err := refetch(ctx); err == nil {
				signer.ResyncNonce(n)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("signer: exhausted nonce retries: %w", lastErr)
}

// PriceToAmounts scales a human price/size pair to integer base units at
// the given number of decimals, matching the teacher's PriceToAmounts
// conversion for on-chain order encoding (used by the lighter adapter).
func PriceToAmounts(price, size float64, decimals int) (*big.Int, *big.Int) {
	scale := new(big.Float).SetFloat64(pow10(decimals))
	p := new(big.Float).Mul(new(big.Float).SetFloat64(price), scale)
	q := new(big.Float).Mul(new(big.Float).SetFloat64(size), scale)
	pInt, _ := p.Int(nil)
	qInt, _ := q.Int(nil)
	return pInt, qInt
}

func pow10(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 10
	}
	return result
}

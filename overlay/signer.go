package overlay

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// deleteClaim is the serialized (file_hash, time) pair an administrative
// FILE_DELETE signs over. It is CBOR-encoded for the same reason
// Envelope.Data is: a signature must be computed over a deterministic byte
// string rather than a live Go struct, and this module already leans on
// fxamacker/cbor for every arbitrary structured payload.
type deleteClaim struct {
	FileHash string  `cbor:"file_hash"`
	Time     float64 `cbor:"time"`
}

// SignDeleteClaim is the caller-side half of RemoveFileByMaster: it builds
// and signs the (hash, now) claim with an RSA private key using PKCS#1 v1.5
// over SHA-256, returning the raw claim bytes and signature to send as a
// FILE_DELETE payload.
func SignDeleteClaim(key *rsa.PrivateKey, fileHashHex string) (raw, sig []byte, err error) {
	claim := deleteClaim{FileHash: fileHashHex, Time: nowSeconds()}
	raw, err = cbor.Marshal(claim)
	if err != nil {
		return nil, nil, fmt.Errorf("overlay: marshal delete claim: %w", err)
	}
	digest := sha256.Sum256(raw)
	sig, err = rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, nil, fmt.Errorf("overlay: sign delete claim: %w", err)
	}
	return raw, sig, nil
}

// verifyDeleteClaim is the receiving-side half: it parses the PEM-encoded
// public key the claim names, checks the signature, checks the claim's skew
// budget, and returns the claim on success.
func verifyDeleteClaim(raw, sig []byte, pemBytes []byte, skew time.Duration) (deleteClaim, error) {
	var claim deleteClaim
	if err := cbor.Unmarshal(raw, &claim); err != nil {
		return claim, fmt.Errorf("%w: malformed claim: %v", ErrSignatureInvalid, err)
	}

	if math.Abs(nowSeconds()-claim.Time) > skew.Seconds() {
		return claim, fmt.Errorf("%w: claim time skew exceeds %s", ErrSignatureInvalid, skew)
	}

	pub, err := parseRSAPublicKeyPEM(pemBytes)
	if err != nil {
		return claim, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	digest := sha256.Sum256(raw)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return claim, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return claim, nil
}

func parseRSAPublicKeyPEM(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}

	// Fall back to the generic PKIX form (SubjectPublicKeyInfo), which is
	// what `openssl rsa -pubout` produces by default.
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("PEM block is not an RSA public key")
	}
	return pub, nil
}

package httpsig

import (
	"crypto"
	"crypto/rsa"
	"fmt"
	"net/http"
	"time"

	"github.com/go-fed/httpsig"
)

// signCavage signs a request under the draft-cavage profile. Only RSA
// keys sign this profile; that is what remote servers expect from
// publicKeyPem.
func signCavage(req *http.Request, body []byte, key *KeyPair) error {
	rsaKey, ok := key.Private.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("draft-cavage profile requires an RSA key, got %T", key.Private)
	}

	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	req.Header.Set("Host", req.URL.Host)

	headers := []string{httpsig.RequestTarget, "host", "date"}
	if body != nil {
		headers = append(headers, "digest")
	}
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	if err := signer.SignRequest(rsaKey, key.KeyID, req, body); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	return nil
}

// verifyCavage checks a draft-cavage signature against a resolved public
// key and returns nil on success. The caller has already extracted the
// keyId and fetched the key.
func verifyCavage(req *http.Request, pub crypto.PublicKey) error {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return fmt.Errorf("create verifier: %w", err)
	}
	if err := verifier.Verify(pub, httpsig.RSA_SHA256); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

// cavageKeyID extracts the keyId parameter without verifying.
func cavageKeyID(req *http.Request) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("parse signature header: %w", err)
	}
	return verifier.KeyId(), nil
}

// cavageCreated returns the request's Date header as the signature
// creation instant for the time-window check.
func cavageCreated(req *http.Request) (time.Time, error) {
	date := req.Header.Get("Date")
	if date == "" {
		return time.Time{}, fmt.Errorf("missing Date header")
	}
	t, err := http.ParseTime(date)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse Date header: %w", err)
	}
	return t, nil
}

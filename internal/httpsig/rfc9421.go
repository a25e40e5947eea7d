package httpsig

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// The RFC 9421 implementation is deliberately scoped to what federation
// peers produce: one signature labeled "sig1", derived components
// @method/@target-uri/@authority/@path plus plain header fields, the
// created/keyid/alg parameters, and the ed25519 and rsa-v1_5-sha256
// algorithms.

const sigLabel = "sig1"

// signRFC9421 signs a request under the RFC 9421 profile.
func signRFC9421(req *http.Request, body []byte, key *KeyPair, created time.Time) error {
	components := []string{"@method", "@target-uri"}
	if body != nil {
		digest := sha256.Sum256(body)
		req.Header.Set("Content-Digest",
			"sha-256=:"+base64.StdEncoding.EncodeToString(digest[:])+":")
		components = append(components, "content-digest")
	}

	alg, err := rfc9421Algorithm(key.Private.Public())
	if err != nil {
		return err
	}
	params := fmt.Sprintf("(%s);created=%d;keyid=%q;alg=%q",
		quoteComponents(components), created.Unix(), key.KeyID, alg)

	base, err := signatureBase(req, components, params)
	if err != nil {
		return err
	}

	sig, err := rfc9421Sign(key.Private, alg, []byte(base))
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	req.Header.Set("Signature-Input", sigLabel+"="+params)
	req.Header.Set("Signature", sigLabel+"=:"+base64.StdEncoding.EncodeToString(sig)+":")
	return nil
}

// rfc9421Signature holds the parsed Signature-Input/Signature pair.
type rfc9421Signature struct {
	components []string
	params     string
	keyID      string
	alg        string
	created    time.Time
	signature  []byte
}

// parseRFC9421 extracts the sig1 signature from the request headers.
func parseRFC9421(req *http.Request) (*rfc9421Signature, error) {
	input := req.Header.Get("Signature-Input")
	sigHeader := req.Header.Get("Signature")
	if input == "" || sigHeader == "" {
		return nil, fmt.Errorf("missing Signature-Input or Signature header")
	}

	params, err := labeledValue(input)
	if err != nil {
		return nil, err
	}
	sigValue, err := labeledValue(sigHeader)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(sigValue, ":") || !strings.HasSuffix(sigValue, ":") {
		return nil, fmt.Errorf("malformed signature byte sequence")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.Trim(sigValue, ":"))
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}

	parsed := &rfc9421Signature{params: params, signature: raw}

	open := strings.IndexByte(params, '(')
	close := strings.IndexByte(params, ')')
	if open != 0 || close < 0 {
		return nil, fmt.Errorf("malformed signature params %q", params)
	}
	for _, c := range strings.Fields(params[open+1 : close]) {
		parsed.components = append(parsed.components, strings.Trim(c, `"`))
	}
	for _, kv := range strings.Split(params[close+1:], ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		name, value, _ := strings.Cut(kv, "=")
		switch name {
		case "created":
			secs, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed created parameter %q", value)
			}
			parsed.created = time.Unix(secs, 0)
		case "keyid":
			parsed.keyID = strings.Trim(value, `"`)
		case "alg":
			parsed.alg = strings.Trim(value, `"`)
		}
	}
	if parsed.keyID == "" {
		return nil, fmt.Errorf("signature has no keyid parameter")
	}
	return parsed, nil
}

// verifyRFC9421 checks the parsed signature against a resolved key.
func verifyRFC9421(req *http.Request, parsed *rfc9421Signature, pub crypto.PublicKey) error {
	base, err := signatureBase(req, parsed.components, parsed.params)
	if err != nil {
		return err
	}
	switch key := pub.(type) {
	case ed25519.PublicKey:
		if !ed25519.Verify(key, []byte(base), parsed.signature) {
			return fmt.Errorf("ed25519 signature verification failed")
		}
	case *rsa.PublicKey:
		digest := sha256.Sum256([]byte(base))
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], parsed.signature); err != nil {
			return fmt.Errorf("rsa signature verification failed: %w", err)
		}
	default:
		return fmt.Errorf("unsupported public key type %T", pub)
	}
	return nil
}

// signatureBase renders the canonical string covered by the signature.
func signatureBase(req *http.Request, components []string, params string) (string, error) {
	var b strings.Builder
	for _, c := range components {
		value, err := componentValue(req, c)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%q: %s\n", c, value)
	}
	fmt.Fprintf(&b, "%q: %s", "@signature-params", params)
	return b.String(), nil
}

func componentValue(req *http.Request, component string) (string, error) {
	switch component {
	case "@method":
		return req.Method, nil
	case "@target-uri":
		return req.URL.String(), nil
	case "@authority":
		if req.URL.Host != "" {
			return req.URL.Host, nil
		}
		return req.Host, nil
	case "@path":
		return req.URL.Path, nil
	}
	if strings.HasPrefix(component, "@") {
		return "", fmt.Errorf("unsupported derived component %q", component)
	}
	v := req.Header.Get(component)
	if v == "" {
		return "", fmt.Errorf("covered header %q is absent", component)
	}
	return strings.TrimSpace(v), nil
}

func rfc9421Algorithm(pub crypto.PublicKey) (string, error) {
	switch pub.(type) {
	case ed25519.PublicKey:
		return "ed25519", nil
	case *rsa.PublicKey:
		return "rsa-v1_5-sha256", nil
	default:
		return "", fmt.Errorf("unsupported key type %T", pub)
	}
}

func rfc9421Sign(signer crypto.Signer, alg string, base []byte) ([]byte, error) {
	switch alg {
	case "ed25519":
		return signer.Sign(nil, base, crypto.Hash(0))
	case "rsa-v1_5-sha256":
		digest := sha256.Sum256(base)
		return signer.Sign(nil, digest[:], crypto.SHA256)
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", alg)
	}
}

func quoteComponents(components []string) string {
	quoted := make([]string, len(components))
	for i, c := range components {
		quoted[i] = strconv.Quote(c)
	}
	return strings.Join(quoted, " ")
}

// labeledValue extracts the value of the sig1 member from a dictionary
// structured field like `sig1=...`.
func labeledValue(header string) (string, error) {
	for _, member := range splitTopLevel(header) {
		label, value, ok := strings.Cut(member, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(label) == sigLabel {
			return strings.TrimSpace(value), nil
		}
	}
	return "", fmt.Errorf("no %s member in %q", sigLabel, header)
}

// splitTopLevel splits a structured-field dictionary on commas outside
// parentheses and byte sequences.
func splitTopLevel(s string) []string {
	var out []string
	depth := 0
	inBytes := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ':':
			inBytes = !inBytes
		case ',':
			if depth == 0 && !inBytes {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	out = append(out, strings.TrimSpace(s[start:]))
	return out
}

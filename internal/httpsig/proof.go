package httpsig

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"github.com/mr-tron/base58"
)

// Object Integrity Proofs (FEP-8b32) let an activity authenticate itself
// when the HTTP signature cannot be verified, e.g. after a relay forwards
// it. The proof is an eddsa-jcs-2022 data-integrity proof embedded in the
// document.

// Proof is the embedded proof object.
type Proof struct {
	Type               string `json:"type"`
	Cryptosuite        string `json:"cryptosuite"`
	VerificationMethod string `json:"verificationMethod"`
	ProofPurpose       string `json:"proofPurpose"`
	ProofValue         string `json:"proofValue"`
	Created            string `json:"created,omitempty"`
}

// ExtractProof returns the proof embedded in a document, or nil.
func ExtractProof(doc map[string]interface{}) *Proof {
	raw, ok := doc["proof"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var p Proof
	if json.Unmarshal(data, &p) != nil {
		return nil
	}
	return &p
}

// VerifyProof checks a document's integrity proof, resolving the
// verification method through opts.Loader. It returns the verified key
// on success.
func VerifyProof(ctx context.Context, opts *VerifyOptions, doc map[string]interface{}) (*VerifiedKey, error) {
	proof := ExtractProof(doc)
	if proof == nil {
		return nil, fmt.Errorf("document carries no integrity proof")
	}
	if proof.Type != "DataIntegrityProof" || proof.Cryptosuite != "eddsa-jcs-2022" {
		return nil, fmt.Errorf("unsupported proof type %s/%s", proof.Type, proof.Cryptosuite)
	}
	if len(proof.ProofValue) < 2 || proof.ProofValue[0] != 'z' {
		return nil, fmt.Errorf("unsupported proofValue encoding")
	}
	sig, err := base58.Decode(proof.ProofValue[1:])
	if err != nil {
		return nil, fmt.Errorf("decode proofValue: %w", err)
	}

	key, err := resolveKey(ctx, proof.VerificationMethod, opts, false)
	if err != nil {
		return nil, err
	}
	edKey, ok := key.Public.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("eddsa-jcs-2022 requires an ed25519 key, got %T", key.Public)
	}

	hash, err := proofHash(doc, proof)
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(edKey, hash, sig) {
		return nil, fmt.Errorf("integrity proof verification failed")
	}
	return key, nil
}

// SignDocument embeds an eddsa-jcs-2022 proof into a document copy and
// returns it.
func SignDocument(doc map[string]interface{}, key *KeyPair, created string) (map[string]interface{}, error) {
	edKey, ok := key.Private.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("eddsa-jcs-2022 requires an ed25519 key, got %T", key.Private)
	}
	proof := &Proof{
		Type:               "DataIntegrityProof",
		Cryptosuite:        "eddsa-jcs-2022",
		VerificationMethod: key.KeyID,
		ProofPurpose:       "assertionMethod",
		Created:            created,
	}

	unsigned := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if k == "proof" {
			continue
		}
		unsigned[k] = v
	}
	hash, err := proofHash(unsigned, proof)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(edKey, hash)
	proof.ProofValue = "z" + base58.Encode(sig)

	signed := make(map[string]interface{}, len(unsigned)+1)
	for k, v := range unsigned {
		signed[k] = v
	}
	signed["proof"] = proof
	return signed, nil
}

// proofHash computes the eddsa-jcs-2022 hash: the SHA-256 of the
// canonicalized proof options concatenated with the SHA-256 of the
// canonicalized document (without the proof).
func proofHash(doc map[string]interface{}, proof *Proof) ([]byte, error) {
	options := map[string]interface{}{
		"type":               proof.Type,
		"cryptosuite":        proof.Cryptosuite,
		"verificationMethod": proof.VerificationMethod,
		"proofPurpose":       proof.ProofPurpose,
	}
	if proof.Created != "" {
		options["created"] = proof.Created
	}
	canonOptions, err := Canonicalize(options)
	if err != nil {
		return nil, fmt.Errorf("canonicalize proof options: %w", err)
	}

	unsigned := doc
	if _, ok := doc["proof"]; ok {
		unsigned = make(map[string]interface{}, len(doc))
		for k, v := range doc {
			if k == "proof" {
				continue
			}
			unsigned[k] = v
		}
	}
	canonDoc, err := Canonicalize(unsigned)
	if err != nil {
		return nil, fmt.Errorf("canonicalize document: %w", err)
	}

	optHash := sha256.Sum256(canonOptions)
	docHash := sha256.Sum256(canonDoc)
	return append(optHash[:], docHash[:]...), nil
}

// Canonicalize renders a document in the RFC 8785 canonical JSON form.
func Canonicalize(doc interface{}) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

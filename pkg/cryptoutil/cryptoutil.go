// Package cryptoutil defines the capability interfaces used to sign and
// verify SubRAVs (spec §4.2): a Signer capable of signing arbitrary bytes
// under a key id, and a DIDResolver capable of resolving a DID to the
// document that carries its verification methods. A default ECDSA-backed
// implementation is provided in ecdsa.go, grounded in the same personal-sign
// style signing the teacher SDK uses for its on-chain claim messages.
package cryptoutil

import (
	"context"
	"fmt"
	"strings"

	"github.com/paymentkit/paymentkit/pkg/subrav"
)

// Signer signs an arbitrary message under the given key id and returns the
// raw signature bytes.
type Signer interface {
	Sign(ctx context.Context, message []byte, keyID string) ([]byte, error)
}

// VerificationMethod is one entry of a resolved DID document: the
// verification method's type and the public key material needed to check a
// signature produced against it.
type VerificationMethod struct {
	Type      string
	PublicKey []byte
}

// DIDDocument is the minimal shape of a resolved DID document: a map from
// key id fragment (the part after '#') to its verification method.
type DIDDocument struct {
	DID                 string
	VerificationMethods map[string]VerificationMethod
}

// DIDResolver resolves a DID to its document.
type DIDResolver interface {
	Resolve(ctx context.Context, did string) (*DIDDocument, error)
}

// ErrInvalidSignature is returned by Verify when the key is absent, its
// algorithm is unsupported, or the signature does not verify.
type ErrInvalidSignature struct {
	Reason string
}

func (e *ErrInvalidSignature) Error() string {
	return fmt.Sprintf("cryptoutil: invalid signature: %s", e.Reason)
}

// ParseKeyID splits a "did#fragment" key id into its DID and fragment parts.
func ParseKeyID(keyID string) (did, fragment string, err error) {
	idx := strings.LastIndex(keyID, "#")
	if idx < 0 || idx == len(keyID)-1 {
		return "", "", fmt.Errorf("cryptoutil: key id %q is not of the form did#fragment", keyID)
	}
	return keyID[:idx], keyID[idx+1:], nil
}

// Sign encodes subRav canonically and signs it with signer under keyID. The
// fragment of keyID MUST equal subRav.VMIDFragment.
func Sign(ctx context.Context, subRav subrav.SubRAV, signer Signer, keyID string) (*subrav.SignedSubRAV, error) {
	_, fragment, err := ParseKeyID(keyID)
	if err != nil {
		return nil, err
	}
	if fragment != subRav.VMIDFragment {
		return nil, fmt.Errorf("cryptoutil: key fragment %q does not match subRav vmIdFragment %q", fragment, subRav.VMIDFragment)
	}

	encoded, err := subrav.Encode(subRav)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: encoding subRav: %w", err)
	}

	sig, err := signer.Sign(ctx, encoded, keyID)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: signing: %w", err)
	}

	return &subrav.SignedSubRAV{SubRAV: subRav, Signature: sig}, nil
}

// VerifyFunc performs the algorithm-specific signature check against a
// resolved verification method. Supplied by callers so they can plug in
// whichever signature scheme their verification method type requires.
type VerifyFunc func(vm VerificationMethod, message, signature []byte) error

// VerifySignature resolves expectedPayerDID, locates the verification method
// for signed.SubRAV.VMIDFragment, and checks the signature over the canonical
// encoding.
func VerifySignature(ctx context.Context, signed subrav.SignedSubRAV, resolver DIDResolver, expectedPayerDID string, verifyFn VerifyFunc) error {
	doc, err := resolver.Resolve(ctx, expectedPayerDID)
	if err != nil {
		return &ErrInvalidSignature{Reason: fmt.Sprintf("resolving payer DID %q: %v", expectedPayerDID, err)}
	}

	vm, ok := doc.VerificationMethods[signed.SubRAV.VMIDFragment]
	if !ok {
		return &ErrInvalidSignature{Reason: fmt.Sprintf("no verification method %q in %q's DID document", signed.SubRAV.VMIDFragment, expectedPayerDID)}
	}

	encoded, err := subrav.Encode(signed.SubRAV)
	if err != nil {
		return &ErrInvalidSignature{Reason: fmt.Sprintf("encoding subRav: %v", err)}
	}

	if err := verifyFn(vm, encoded, signed.Signature); err != nil {
		return &ErrInvalidSignature{Reason: err.Error()}
	}

	return nil
}

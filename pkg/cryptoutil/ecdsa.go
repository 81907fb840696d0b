package cryptoutil

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
)

// ECDSAVerificationMethodType identifies a secp256k1 verification method
// whose signatures follow the Ethereum personal-sign convention: the message
// hash is keccak256("\x19Ethereum Signed Message:\n32" || keccak256(payload)).
const ECDSAVerificationMethodType = "EcdsaSecp256k1RecoveryMethod2020"

// ethPersonalSignPrefix is hashed together with the message digest before
// signing, matching the prefix length Ethereum wallets use for personal_sign.
var ethPersonalSignPrefix = []byte("\x19Ethereum Signed Message:\n32")

// hashForSigning reproduces the teacher SDK's signing hash:
// keccak256(prefix || keccak256(message)).
func hashForSigning(message []byte) []byte {
	return crypto.Keccak256(ethPersonalSignPrefix, crypto.Keccak256(message))
}

// ECDSASigner signs with a fixed set of ECDSA private keys, looked up by the
// fragment of the key id (the part after '#'). It is the production-shaped
// default: a single-key PayerClient registers its own key under its
// vmIdFragment.
type ECDSASigner struct {
	mu   sync.RWMutex
	keys map[string]*ecdsa.PrivateKey
}

// NewECDSASigner builds an ECDSASigner with no registered keys.
func NewECDSASigner() *ECDSASigner {
	return &ECDSASigner{keys: make(map[string]*ecdsa.PrivateKey)}
}

// Register associates a private key with the given key id fragment.
func (s *ECDSASigner) Register(fragment string, key *ecdsa.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[fragment] = key
}

// Sign implements Signer. keyID must be of the form "did#fragment" where
// fragment names a registered key.
func (s *ECDSASigner) Sign(_ context.Context, message []byte, keyID string) ([]byte, error) {
	_, fragment, err := ParseKeyID(keyID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	key, ok := s.keys[fragment]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("cryptoutil: no key registered for fragment %q", fragment)
	}

	sig, err := crypto.Sign(hashForSigning(message), key)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: signing failed: %w", err)
	}
	return sig, nil
}

// VerifyECDSA checks that signature recovers to the public key carried by vm,
// over message hashed the same way ECDSASigner signs it.
func VerifyECDSA(vm VerificationMethod, message, signature []byte) error {
	if vm.Type != ECDSAVerificationMethodType {
		return fmt.Errorf("unsupported verification method type %q", vm.Type)
	}
	if len(signature) != 65 {
		return fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}

	hash := hashForSigning(message)

	// crypto.Sign returns [R || S || V] with V in {0,1}; SigToPub expects the
	// same layout.
	recovered, err := crypto.SigToPub(hash, signature)
	if err != nil {
		return fmt.Errorf("recovering public key: %w", err)
	}

	want := crypto.FromECDSAPub(recovered)
	if len(vm.PublicKey) != len(want) {
		return fmt.Errorf("recovered public key length mismatch")
	}
	for i := range want {
		if want[i] != vm.PublicKey[i] {
			return fmt.Errorf("signature does not match verification method's public key")
		}
	}
	return nil
}

// StaticDIDResolver resolves a fixed set of DID documents kept in memory.
// Production deployments resolve against the real DID subsystem (an external
// collaborator per spec §1); this resolver is the default used in tests, in
// the chainsim fixtures, and wherever a caller injects a known document set.
type StaticDIDResolver struct {
	mu   sync.RWMutex
	docs map[string]*DIDDocument
}

// NewStaticDIDResolver builds a StaticDIDResolver with no registered documents.
func NewStaticDIDResolver() *StaticDIDResolver {
	return &StaticDIDResolver{docs: make(map[string]*DIDDocument)}
}

// Register stores (or replaces) the document for a DID.
func (r *StaticDIDResolver) Register(doc *DIDDocument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[doc.DID] = doc
}

// RegisterKey is a convenience that adds a single ECDSA verification method
// under fragment to did's document, creating the document if needed.
func (r *StaticDIDResolver) RegisterKey(did, fragment string, key *ecdsa.PrivateKey) {
	pub := crypto.FromECDSAPub(&key.PublicKey)

	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[did]
	if !ok {
		doc = &DIDDocument{DID: did, VerificationMethods: make(map[string]VerificationMethod)}
		r.docs[did] = doc
	}
	doc.VerificationMethods[fragment] = VerificationMethod{
		Type:      ECDSAVerificationMethodType,
		PublicKey: pub,
	}
}

// Resolve implements DIDResolver.
func (r *StaticDIDResolver) Resolve(_ context.Context, did string) (*DIDDocument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[did]
	if !ok {
		return nil, fmt.Errorf("cryptoutil: unknown DID %q", did)
	}
	return doc, nil
}

// Package identity implements the Identity Verifier: resolving an account's public key
// authorities and checking a connection challenge against a signature produced by one of them.
//
// Accounts in this system are blockchain accounts in the Hive/Steem family. Each account owns up
// to four weighted key authorities (owner, active, posting, memo), each a set of compressed
// secp256k1 public keys encoded as base58check strings. The server never talks to the chain
// itself; key-set resolution is delegated to an injected AccountDirectory.
package identity

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // required for the chain's legacy key checksum format
)

// Authority names the four key roles an account authority can hold. Only Posting and Active
// authorities are accepted for document-session challenges; Owner and Memo keys are resolved for
// completeness but never accepted by Verify, matching the chain's own convention that posting
// authority is the low-value key used for day-to-day application signing.
type Authority string

const (
	AuthorityOwner   Authority = "owner"
	AuthorityActive  Authority = "active"
	AuthorityPosting Authority = "posting"
	AuthorityMemo    Authority = "memo"
)

// acceptedAuthorities lists the authorities Verify will check a signature against, in the order
// checked.
var acceptedAuthorities = []Authority{AuthorityPosting, AuthorityActive}

// KeySet holds the resolved public key authorities for one account.
type KeySet struct {
	Account string
	Owner   []*btcec.PublicKey
	Active  []*btcec.PublicKey
	Posting []*btcec.PublicKey
	Memo    []*btcec.PublicKey
}

func (k KeySet) keysFor(a Authority) []*btcec.PublicKey {
	switch a {
	case AuthorityOwner:
		return k.Owner
	case AuthorityActive:
		return k.Active
	case AuthorityPosting:
		return k.Posting
	case AuthorityMemo:
		return k.Memo
	default:
		return nil
	}
}

// AuthKind classifies why identity verification failed.
type AuthKind int

const (
	AuthUnknown AuthKind = iota
	AuthMissingFields
	AuthBadChallengeFormat
	AuthChallengeExpired
	AuthChallengeFromFuture
	AuthUnknownAccount
	AuthUnknownKey
	AuthBadSignature
	AuthAccessDenied
)

// String names an AuthKind so a close reason built from it (e.g. "ChallengeExpired") is greppable
// by clients and tests alike.
func (k AuthKind) String() string {
	switch k {
	case AuthMissingFields:
		return "MissingFields"
	case AuthBadChallengeFormat:
		return "BadChallengeFormat"
	case AuthChallengeExpired:
		return "ChallengeExpired"
	case AuthChallengeFromFuture:
		return "ChallengeFromFuture"
	case AuthUnknownAccount:
		return "UnknownAccount"
	case AuthUnknownKey:
		return "UnknownKey"
	case AuthBadSignature:
		return "BadSignature"
	case AuthAccessDenied:
		return "AccessDenied"
	default:
		return "Unknown"
	}
}

// AuthError reports an identity-verification failure with enough classification for the
// Connection Gateway to choose the right close code.
type AuthError struct {
	Kind AuthKind
	Msg  string
}

func (e *AuthError) Error() string { return e.Kind.String() + ": " + e.Msg }

func authErr(kind AuthKind, format string, args ...any) *AuthError {
	return &AuthError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// AccountDirectory resolves an account's current key authorities. It is an external collaborator
// per the Non-goals: the blockchain lookup itself is out of scope here.
type AccountDirectory interface {
	ResolveKeys(ctx context.Context, account string) (KeySet, error)
}

// ErrAccountNotFound is returned by an AccountDirectory when the account does not exist.
var ErrAccountNotFound = errors.New("identity: account not found")

// Verifier checks connection challenges against resolved account keys.
type Verifier struct {
	directory   AccountDirectory
	maxAge      time.Duration
	futureSkew  time.Duration
	now         func() time.Time
}

// NewVerifier builds a Verifier. maxAge bounds how old a challenge timestamp may be; futureSkew
// bounds how far into the future it may claim to be, to absorb clock drift between client and
// server.
func NewVerifier(directory AccountDirectory, maxAge, futureSkew time.Duration) *Verifier {
	return &Verifier{
		directory:  directory,
		maxAge:     maxAge,
		futureSkew: futureSkew,
		now:        time.Now,
	}
}

// Challenge is the material a client signs to prove control of an account's posting or active
// key: the literal string the client signed, and the timestamp it claims to have been produced
// at (already parsed out of that string by the caller).
type Challenge struct {
	Account   string
	Raw       string // the exact bytes that were signed; the Gateway passes the integer Unix-seconds string, e.g. "1785585600"
	Timestamp time.Time
}

// Verify checks that signature was produced by one of account's accepted key authorities over
// challenge, and that the challenge timestamp falls within the configured window. On success it
// returns the authority that signed.
func (v *Verifier) Verify(ctx context.Context, challenge Challenge, signature []byte) (Authority, error) {
	if challenge.Account == "" || challenge.Raw == "" {
		return "", authErr(AuthMissingFields, "challenge account and payload are required")
	}
	if len(signature) != 65 {
		return "", authErr(AuthBadChallengeFormat, "signature must be 65 bytes, got %d", len(signature))
	}

	now := v.now()
	age := now.Sub(challenge.Timestamp)
	if age > v.maxAge {
		return "", authErr(AuthChallengeExpired, "challenge timestamp %s is older than the %s window", challenge.Timestamp, v.maxAge)
	}
	if -age > v.futureSkew {
		return "", authErr(AuthChallengeFromFuture, "challenge timestamp %s is too far in the future", challenge.Timestamp)
	}

	keys, err := v.directory.ResolveKeys(ctx, challenge.Account)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return "", authErr(AuthUnknownAccount, "unknown account %q", challenge.Account)
		}
		return "", fmt.Errorf("identity: resolve keys for %q: %w", challenge.Account, err)
	}

	recovered, err := recoverPublicKey(challenge.Raw, signature)
	if err != nil {
		return "", authErr(AuthBadSignature, "could not recover a public key from the signature: %v", err)
	}

	for _, authority := range acceptedAuthorities {
		for _, candidate := range keys.keysFor(authority) {
			if constantTimeEqualPubkeys(recovered, candidate) {
				return authority, nil
			}
		}
	}

	if hasAnyAuthority(keys) {
		return "", authErr(AuthUnknownKey, "signature does not match any posting or active key for %q", challenge.Account)
	}
	return "", authErr(AuthUnknownKey, "account %q has no registered keys", challenge.Account)
}

func hasAnyAuthority(k KeySet) bool {
	return len(k.Owner) > 0 || len(k.Active) > 0 || len(k.Posting) > 0 || len(k.Memo) > 0
}

// recoverPublicKey recovers the compressed secp256k1 public key that produced signature over the
// SHA-256 digest of payload. signature is a 65-byte recoverable ECDSA signature: 1-byte recovery
// header followed by 64 bytes of r‖s, the format the chain's own signing tooling emits.
func recoverPublicKey(payload string, signature []byte) (*btcec.PublicKey, error) {
	digest := sha256.Sum256([]byte(payload))
	pubKey, _, err := ecdsa.RecoverCompact(signature, digest[:])
	if err != nil {
		return nil, fmt.Errorf("recover compact signature: %w", err)
	}
	return pubKey, nil
}

func constantTimeEqualPubkeys(a, b *btcec.PublicKey) bool {
	if a == nil || b == nil {
		return false
	}
	return subtle.ConstantTimeCompare(a.SerializeCompressed(), b.SerializeCompressed()) == 1
}

// keyChecksumLength is the size, in bytes, of the RIPEMD-160-derived checksum suffix appended to
// an encoded public key.
const keyChecksumLength = 4

// DecodePublicKey parses a public key string of the form used by the chain's wallet tooling: a
// short network prefix (e.g. "STM"), followed by the plain (not Bitcoin-style) base58 encoding of
// a 33-byte compressed secp256k1 public key with a 4-byte RIPEMD-160 checksum suffix. This differs
// from Bitcoin's own base58check, which checksums with double SHA-256; the chain this account
// model is drawn from uses RIPEMD-160 instead.
func DecodePublicKey(encoded string, prefix string) (*btcec.PublicKey, error) {
	trimmed := strings.TrimPrefix(encoded, prefix)
	if trimmed == encoded && prefix != "" {
		return nil, fmt.Errorf("public key %q does not carry expected prefix %q", encoded, prefix)
	}

	decoded := base58.Decode(trimmed)
	if len(decoded) <= keyChecksumLength {
		return nil, fmt.Errorf("decoded public key too short: %d bytes", len(decoded))
	}

	keyBytes := decoded[:len(decoded)-keyChecksumLength]
	checksum := decoded[len(decoded)-keyChecksumLength:]

	h := ripemd160.New()
	h.Write(keyBytes)
	sum := h.Sum(nil)
	if !bytes.Equal(sum[:keyChecksumLength], checksum) {
		return nil, fmt.Errorf("public key checksum mismatch")
	}

	return btcec.ParsePubKey(keyBytes)
}

package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"errors"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/linnemanlabs-admission/internal/xerrors"
)

// ErrSignatureMismatch is matched (errors.Is) by every verification failure
// caused by the signature itself, as opposed to key lookup problems.
var ErrSignatureMismatch = errors.New("signature does not verify")

// kmsKeyFetcher is the subset of the KMS API needed to fetch a public key.
type kmsKeyFetcher interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSVerifier checks detached signatures made with an asymmetric KMS key.
// Only the public key is fetched from KMS, verification is local.
type KMSVerifier struct {
	client kmsKeyFetcher
	keyARN string

	// AllowPKCS1v15 accepts RSA PKCS1v15 signatures when PSS fails. Default false.
	AllowPKCS1v15 bool

	mu     sync.RWMutex
	pubKey crypto.PublicKey
}

func NewKMSVerifier(client *kms.Client, keyARN string) *KMSVerifier {
	v := &KMSVerifier{keyARN: keyARN}
	if client != nil {
		v.client = client
	}
	return v
}

func (v *KMSVerifier) KeyARN() string { return v.keyARN }

// Preload fetches the public key so a wrong ARN or missing kms:GetPublicKey
// permission shows up at startup instead of on the first policy update.
func (v *KMSVerifier) Preload(ctx context.Context) error {
	_, err := v.PublicKey(ctx)
	return err
}

// PublicKey returns the cached key, fetching it from KMS on first use.
func (v *KMSVerifier) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	v.mu.RLock()
	pub := v.pubKey
	v.mu.RUnlock()
	if pub != nil {
		return pub, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pubKey != nil {
		return v.pubKey, nil
	}
	pub, err := v.fetch(ctx)
	if err != nil {
		return nil, err
	}
	v.pubKey = pub
	return pub, nil
}

func (v *KMSVerifier) fetch(ctx context.Context) (crypto.PublicKey, error) {
	if v.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}
	out, err := v.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(v.keyARN),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "kms get public key %s", v.keyARN)
	}
	// never cache a key that cannot have produced a signature
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has KeyUsage=%s, expected SIGN_VERIFY", v.keyARN, out.KeyUsage)
	}
	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse public key DER of %s", v.keyARN)
	}
	switch pub.(type) {
	case *ecdsa.PublicKey, *rsa.PublicKey:
		return pub, nil
	default:
		return nil, xerrors.Newf("kms key %s has unsupported public key type %T", v.keyARN, pub)
	}
}

// VerifySignature verifies signature over message. The key type picks the hash:
//   - ECDSA P-384: SHA-384
//   - ECDSA P-256: SHA-256
//   - RSA: SHA-256, PSS (PKCS1v15 only with AllowPKCS1v15)
func (v *KMSVerifier) VerifySignature(ctx context.Context, message, signature []byte) error {
	pub, err := v.PublicKey(ctx)
	if err != nil {
		return err
	}

	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		err = verifyECDSA(key, message, signature)
	case *rsa.PublicKey:
		err = verifyRSA(key, message, signature, v.AllowPKCS1v15)
	default:
		return xerrors.Newf("unsupported public key type: %T", pub)
	}
	if err != nil {
		return xerrors.Wrapf(err, "verify with %s", v.keyARN)
	}
	return nil
}

func verifyECDSA(key *ecdsa.PublicKey, message, signature []byte) error {
	hashFunc, digest, err := ecdsaDigest(key, message)
	if err != nil {
		return err
	}
	if !ecdsa.VerifyASN1(key, digest, signature) {
		return xerrors.Wrapf(ErrSignatureMismatch, "ecdsa %s/%s", key.Curve.Params().Name, hashFunc)
	}
	return nil
}

func ecdsaDigest(key *ecdsa.PublicKey, message []byte) (crypto.Hash, []byte, error) {
	switch key.Curve {
	case elliptic.P256():
		d := sha256.Sum256(message)
		return crypto.SHA256, d[:], nil
	case elliptic.P384():
		d := sha512.Sum384(message)
		return crypto.SHA384, d[:], nil
	default:
		return 0, nil, xerrors.Newf("unsupported ECDSA curve: %v", key.Curve.Params().Name)
	}
}

func verifyRSA(key *rsa.PublicKey, message, signature []byte, allowPKCS1v15 bool) error {
	digest := sha256.Sum256(message)

	if err := rsa.VerifyPSS(key, crypto.SHA256, digest[:], signature, nil); err == nil {
		return nil
	}
	if allowPKCS1v15 && rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature) == nil {
		return nil
	}
	return xerrors.Wrap(ErrSignatureMismatch, "rsa")
}

package signature

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/jmehdipour/webhook-gateway/internal/config"
	"github.com/jmehdipour/webhook-gateway/internal/logger"
	"go.uber.org/zap"
)

type Scheme string

const (
	// SchemeHMACHex is hex(HMAC-SHA256(secret, body)), optionally prefixed with "sha256=".
	SchemeHMACHex Scheme = "hmac_sha256_hex"
	// SchemeHMACBase64 is base64(HMAC-SHA256(secret, body)).
	SchemeHMACBase64 Scheme = "hmac_sha256_base64"
	// SchemeHMACURLBody is base64(HMAC-SHA256(secret, notificationURL + body)).
	SchemeHMACURLBody Scheme = "hmac_sha256_url_body_base64"
	// SchemeECDSATimestamp is an ECDSA P-256 ASN.1 signature over SHA-256(timestamp + body).
	SchemeECDSATimestamp Scheme = "ecdsa_sha256_timestamp_body"
)

// Routing carries request data some schemes fold into the signed message.
type Routing struct {
	URL       string // used when the provider has no configured notification URL
	Timestamp string
}

type key struct {
	scheme Scheme
	secret []byte
	pub    *ecdsa.PublicKey
	url    string
}

// Verifier authenticates inbound webhook bodies against per-provider credentials.
type Verifier struct {
	keys map[string]key
	log  *zap.Logger
}

// NewVerifier builds a verifier for the enabled providers. A provider whose credential
// is empty is kept and always fails verification; a malformed public key is a config error.
func NewVerifier(providers []config.ProviderConfig, log *zap.Logger) (*Verifier, error) {
	v := &Verifier{keys: make(map[string]key, len(providers)), log: logger.OrNop(log)}
	for _, p := range providers {
		if !p.Enabled {
			continue
		}
		k := key{scheme: Scheme(p.Scheme), url: p.NotificationURL}
		switch k.scheme {
		case SchemeHMACHex, SchemeHMACBase64, SchemeHMACURLBody:
			if p.Secret != "" {
				k.secret = []byte(p.Secret)
			}
		case SchemeECDSATimestamp:
			if p.PublicKey != "" {
				pub, err := ParsePublicKey(p.PublicKey)
				if err != nil {
					return nil, fmt.Errorf("provider %s: %w", p.Name, err)
				}
				k.pub = pub
			}
		default:
			return nil, fmt.Errorf("provider %s: unknown signature scheme %q", p.Name, p.Scheme)
		}
		v.keys[strings.ToLower(p.Name)] = k
	}
	return v, nil
}

// Verify reports whether sig authenticates body for provider. It never panics and
// returns false on unknown provider, missing credential, malformed signature or mismatch.
func (v *Verifier) Verify(provider string, body []byte, sig string, r Routing) bool {
	k, ok := v.keys[strings.ToLower(provider)]
	if !ok {
		v.log.Debug("signature: unknown provider", zap.String("provider", provider))
		return false
	}
	sig = strings.TrimSpace(sig)
	if sig == "" {
		v.log.Debug("signature: missing header", zap.String("provider", provider))
		return false
	}

	var valid bool
	switch k.scheme {
	case SchemeHMACHex:
		valid = k.secret != nil && verifyHex(k.secret, body, sig)
	case SchemeHMACBase64:
		valid = k.secret != nil && verifyBase64(k.secret, body, sig)
	case SchemeHMACURLBody:
		url := k.url
		if url == "" {
			url = r.URL
		}
		valid = k.secret != nil && url != "" && verifyBase64(k.secret, append([]byte(url), body...), sig)
	case SchemeECDSATimestamp:
		valid = k.pub != nil && r.Timestamp != "" && verifyECDSA(k.pub, r.Timestamp, body, sig)
	}
	if !valid {
		v.log.Debug("signature: mismatch", zap.String("provider", provider), zap.String("scheme", string(k.scheme)))
	}
	return valid
}

func mac(secret, msg []byte) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write(msg)
	return m.Sum(nil)
}

func verifyHex(secret, body []byte, sig string) bool {
	sig = strings.TrimPrefix(sig, "sha256=")
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, mac(secret, body))
}

func verifyBase64(secret, msg []byte, sig string) bool {
	got, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, mac(secret, msg))
}

func verifyECDSA(pub *ecdsa.PublicKey, ts string, body []byte, sig string) bool {
	der, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false
	}
	h := sha256.New()
	h.Write([]byte(ts))
	h.Write(body)
	return ecdsa.VerifyASN1(pub, h.Sum(nil), der)
}

// ParsePublicKey accepts a PEM block or bare base64 DER (PKIX) ECDSA public key.
func ParsePublicKey(s string) (*ecdsa.PublicKey, error) {
	s = strings.TrimSpace(s)
	var der []byte
	if block, _ := pem.Decode([]byte(s)); block != nil {
		der = block.Bytes
	} else {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode public key: %w", err)
		}
		der = b
	}
	pk, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := pk.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want ECDSA", pk)
	}
	return pub, nil
}

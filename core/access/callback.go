package access

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// CallbackTTL is the lifetime of shipping service callback tokens, roughly two weeks
const CallbackTTL = 1300000 * time.Second

// CallbackSigner issues and verifies the ES256 tokens which authorize the shipping
// service to report status changes of one shipment.
type CallbackSigner struct {
	private  *ecdsa.PrivateKey
	public   *ecdsa.PublicKey
	audience string
}

type callbackClaims struct {
	ID int64 `json:"id"`
	jwt.RegisteredClaims
}

// NewCallbackSigner parses PEM encoded EC keys. The private key may be empty, in which
// case the signer can only verify.
func NewCallbackSigner(privatePEM, publicPEM, audience string) (*CallbackSigner, error) {
	s := &CallbackSigner{audience: audience}
	var err error
	if privatePEM != "" {
		if s.private, err = jwt.ParseECPrivateKeyFromPEM([]byte(privatePEM)); err != nil {
			return nil, fmt.Errorf("callback private key: %w", err)
		}
	}
	if publicPEM != "" {
		if s.public, err = jwt.ParseECPublicKeyFromPEM([]byte(publicPEM)); err != nil {
			return nil, fmt.Errorf("callback public key: %w", err)
		}
	} else if s.private != nil {
		s.public = &s.private.PublicKey
	}
	return s, nil
}

// NewCallbackSignerFromKey creates a signer from an existing key pair
func NewCallbackSignerFromKey(key *ecdsa.PrivateKey, audience string) *CallbackSigner {
	return &CallbackSigner{private: key, public: &key.PublicKey, audience: audience}
}

// Sign returns a token for shipmentID
func (s *CallbackSigner) Sign(shipmentID int64) (string, error) {
	if s.private == nil {
		return "", errors.New("no private key for callback tokens configured")
	}
	claims := callbackClaims{
		ID: shipmentID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(CallbackTTL)),
			Audience:  jwt.ClaimStrings{s.audience},
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(s.private)
}

// Verify checks token and returns the shipment id it was issued for
func (s *CallbackSigner) Verify(token string) (int64, error) {
	if s.public == nil {
		return 0, errors.New("no public key for callback tokens configured")
	}
	var claims callbackClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.public, nil
	})
	if err != nil || !parsed.Valid {
		return 0, fmt.Errorf("invalid callback token: %w", err)
	}
	if !claims.VerifyAudience(s.audience, true) {
		return 0, errors.New("invalid callback token audience")
	}
	return claims.ID, nil
}

// VerifyFor checks that token was issued for shipmentID
func (s *CallbackSigner) VerifyFor(token string, shipmentID int64) error {
	id, err := s.Verify(token)
	if err != nil {
		return err
	}
	if id != shipmentID {
		return errors.New("callback token issued for shipment " + strconv.FormatInt(id, 10))
	}
	return nil
}

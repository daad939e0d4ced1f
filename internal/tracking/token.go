package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidToken is returned by Resolve for any token that does not
// carry a valid signature. Tracking endpoints are public and receive
// arbitrary traffic, so resolution fails closed: malformed, truncated,
// or forged input all collapse into this one error.
var ErrInvalidToken = errors.New("invalid tracking token")

// Codec mints and resolves the opaque tokens embedded in pixel, click,
// and unsubscribe URLs. A token is base64url(tracker UUID) plus a
// truncated HMAC-SHA256 signature, so tokens cannot be enumerated or
// forged from the sequential internal IDs.
type Codec struct {
	key []byte
}

// NewCodec creates a codec from the tracking signing key.
func NewCodec(signingKey string) *Codec {
	return &Codec{key: []byte(signingKey)}
}

// Mint encodes a tracker ID into an opaque token of the form "data.sig".
func (c *Codec) Mint(trackerID uuid.UUID) string {
	data := base64.RawURLEncoding.EncodeToString(trackerID[:])
	return data + "." + c.sign(data)
}

// Resolve validates a token and returns the tracker ID it carries.
func (c *Codec) Resolve(token string) (uuid.UUID, error) {
	dot := strings.IndexByte(token, '.')
	if dot < 0 || dot != len(token)-17 {
		return uuid.Nil, ErrInvalidToken
	}
	data, sig := token[:dot], token[dot+1:]

	if !hmac.Equal([]byte(c.sign(data)), []byte(sig)) {
		return uuid.Nil, ErrInvalidToken
	}

	raw, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil || len(raw) != 16 {
		return uuid.Nil, ErrInvalidToken
	}

	id, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}
	return id, nil
}

// sign returns the first 16 hex chars of the HMAC-SHA256 over data.
func (c *Codec) sign(data string) string {
	h := hmac.New(sha256.New, c.key)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

package broker

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"
)

const sealedEncoding = "aes-gcm-v1"

type sealedValue struct {
	Enc   string `json:"enc"`
	Nonce string `json:"nonce"`
	Data  string `json:"data"`
}

// Sealer encrypts broker credentials at rest. The field name is bound as additional
// data so a sealed value cannot be moved between columns. A nil Sealer, or one built
// from an empty key, passes values through unchanged.
type Sealer struct {
	gcms []cipher.AEAD
}

// NewSealer accepts base64 or raw keys; the first one seals, all of them open.
func NewSealer(keys ...string) *Sealer {
	s := &Sealer{}
	seen := map[string]struct{}{}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		if gcm := newGCM(parseKey(k)); gcm != nil {
			s.gcms = append(s.gcms, gcm)
		}
	}
	return s
}

func (s *Sealer) Enabled() bool {
	return s != nil && len(s.gcms) > 0
}

func (s *Sealer) Seal(field, plain string) string {
	if !s.Enabled() || plain == "" {
		return plain
	}
	gcm := s.gcms[0]
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return plain
	}
	ct := gcm.Seal(nil, nonce, []byte(plain), additional(field))
	out, err := json.Marshal(sealedValue{
		Enc:   sealedEncoding,
		Nonce: base64.StdEncoding.EncodeToString(nonce),
		Data:  base64.StdEncoding.EncodeToString(ct),
	})
	if err != nil {
		return plain
	}
	return string(out)
}

// Open returns the plaintext of a sealed value. Values that are not sealed are
// returned as they are.
func (s *Sealer) Open(field, raw string) string {
	if raw == "" || !s.Enabled() {
		return raw
	}
	var payload sealedValue
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return raw
	}
	if payload.Enc != sealedEncoding || payload.Nonce == "" || payload.Data == "" {
		return raw
	}
	nonce, err := base64.StdEncoding.DecodeString(payload.Nonce)
	if err != nil {
		return raw
	}
	ct, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return raw
	}
	for _, gcm := range s.gcms {
		if pt, err := gcm.Open(nil, nonce, ct, additional(field)); err == nil {
			return string(pt)
		}
	}
	return raw
}

func additional(field string) []byte {
	return []byte(strings.ToLower(strings.TrimSpace(field)))
}

func parseKey(k string) []byte {
	keyBytes, err := base64.StdEncoding.DecodeString(k)
	if err != nil {
		keyBytes = []byte(k)
	}
	switch n := len(keyBytes); {
	case n == 16 || n == 24 || n == 32:
	case n < 16:
		return nil
	case n < 24:
		keyBytes = keyBytes[:16]
	case n < 32:
		keyBytes = keyBytes[:24]
	default:
		keyBytes = keyBytes[:32]
	}
	return keyBytes
}

func newGCM(key []byte) cipher.AEAD {
	if len(key) == 0 {
		return nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil
	}
	return gcm
}

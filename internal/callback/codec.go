// Package callback implements the DingTalk event-callback crypto scheme:
// SHA1 signatures over the sorted (token, timestamp, nonce, ciphertext) tuple
// and AES-CBC encryption of a length-prefixed payload bound to an owner key.
package callback

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/memohai/knowbot/internal/failure"
)

const (
	// EncodingAESKeyLength is the length of the base64 key material issued by the platform.
	EncodingAESKeyLength = 43

	padBlockSize   = 32
	randomPrefixSz = 16
	lengthFieldSz  = 4
	nonceLength    = 8
	nonceAlphabet  = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// Envelope is the signed, encrypted payload exchanged with the callback platform.
type Envelope struct {
	Signature string `json:"msg_signature"`
	Timestamp string `json:"timeStamp"`
	Nonce     string `json:"nonce"`
	Encrypt   string `json:"encrypt"`
}

// Codec verifies, decrypts and encrypts callback envelopes for one app.
// It holds no mutable state and is safe for concurrent use.
type Codec struct {
	token    string
	ownerKey string
	block    cipher.Block
	iv       []byte

	now    func() time.Time
	random io.Reader
}

// NewCodec builds a codec from the callback token, the 43-character
// EncodingAESKey and the owner key (corp id or app key) embedded in payloads.
func NewCodec(token, encodingAESKey, ownerKey string) (*Codec, error) {
	token = strings.TrimSpace(token)
	encodingAESKey = strings.TrimSpace(encodingAESKey)
	ownerKey = strings.TrimSpace(ownerKey)
	if token == "" {
		return nil, fmt.Errorf("callback token is required")
	}
	if ownerKey == "" {
		return nil, fmt.Errorf("callback owner key is required")
	}
	if len(encodingAESKey) != EncodingAESKeyLength {
		return nil, fmt.Errorf("callback aes key must be %d characters, got %d", EncodingAESKeyLength, len(encodingAESKey))
	}
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("decode callback aes key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init callback cipher: %w", err)
	}
	return &Codec{
		token:    token,
		ownerKey: ownerKey,
		block:    block,
		iv:       append([]byte(nil), key[:aes.BlockSize]...),
		now:      time.Now,
		random:   rand.Reader,
	}, nil
}

// VerifyAndDecrypt checks the envelope signature and returns the decrypted
// message. The ciphertext is never touched when the signature does not match.
func (c *Codec) VerifyAndDecrypt(env Envelope) ([]byte, error) {
	expected := Sign(c.token, env.Timestamp, env.Nonce, env.Encrypt)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.TrimSpace(env.Signature))) != 1 {
		return nil, failure.New(failure.KindSignature, "callback verify", "signature mismatch")
	}
	return c.decrypt(env.Encrypt)
}

// Encrypt seals plaintext into a freshly signed envelope.
func (c *Codec) Encrypt(plaintext []byte) (Envelope, error) {
	prefix := make([]byte, randomPrefixSz)
	if _, err := io.ReadFull(c.random, prefix); err != nil {
		return Envelope{}, failure.Wrap(failure.KindInternal, "callback encrypt", err)
	}
	nonce, err := c.nonce()
	if err != nil {
		return Envelope{}, failure.Wrap(failure.KindInternal, "callback encrypt", err)
	}

	var buf bytes.Buffer
	buf.Grow(randomPrefixSz + lengthFieldSz + len(plaintext) + len(c.ownerKey) + padBlockSize)
	buf.Write(prefix)
	var length [lengthFieldSz]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(plaintext)))
	buf.Write(length[:])
	buf.Write(plaintext)
	buf.WriteString(c.ownerKey)

	padded := pkcs7Pad(buf.Bytes(), padBlockSize)
	sealed := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(sealed, padded)

	encrypted := base64.StdEncoding.EncodeToString(sealed)
	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	return Envelope{
		Signature: Sign(c.token, timestamp, nonce, encrypted),
		Timestamp: timestamp,
		Nonce:     nonce,
		Encrypt:   encrypted,
	}, nil
}

func (c *Codec) decrypt(encrypted string) ([]byte, error) {
	const op = "callback decrypt"
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encrypted))
	if err != nil {
		return nil, failure.Wrap(failure.KindDecrypt, op, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, failure.New(failure.KindDecrypt, op, "ciphertext length %d is not a multiple of %d", len(raw), aes.BlockSize)
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(plain, raw)
	plain, err = pkcs7Unpad(plain, padBlockSize)
	if err != nil {
		return nil, failure.Wrap(failure.KindDecrypt, op, err)
	}
	if len(plain) < randomPrefixSz+lengthFieldSz {
		return nil, failure.New(failure.KindDecrypt, op, "payload too short")
	}
	msgLen := int(binary.BigEndian.Uint32(plain[randomPrefixSz : randomPrefixSz+lengthFieldSz]))
	msgStart := randomPrefixSz + lengthFieldSz
	if msgLen > len(plain)-msgStart {
		return nil, failure.New(failure.KindDecrypt, op, "message length %d out of range", msgLen)
	}
	msgEnd := msgStart + msgLen
	owner := plain[msgEnd:]
	if subtle.ConstantTimeCompare(owner, []byte(c.ownerKey)) != 1 {
		return nil, failure.New(failure.KindAppIdentity, op, "owner key mismatch")
	}
	return append([]byte(nil), plain[msgStart:msgEnd]...), nil
}

func (c *Codec) nonce() (string, error) {
	buf := make([]byte, nonceLength)
	if _, err := io.ReadFull(c.random, buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = nonceAlphabet[int(b)%len(nonceAlphabet)]
	}
	return string(buf), nil
}

// Sign computes the callback signature: hex SHA1 of the sorted concatenation.
func Sign(token, timestamp, nonce, encrypted string) string {
	parts := []string{token, timestamp, nonce, encrypted}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+n)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n < 1 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding length %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}

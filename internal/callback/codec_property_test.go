package callback

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/memohai/knowbot/internal/failure"
)

// VerifyAndDecrypt(Encrypt(p)) == p for any plaintext.
func TestCodecRoundTripProperty(t *testing.T) {
	codec := newTestCodec(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decrypt inverts encrypt", prop.ForAll(
		func(plaintext []byte) bool {
			env, err := codec.Encrypt(plaintext)
			if err != nil {
				return false
			}
			got, err := codec.VerifyAndDecrypt(env)
			if err != nil {
				return false
			}
			return bytes.Equal(got, plaintext)
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

// Changing any single byte of the signed tuple or the signature is rejected
// with a signature error.
func TestCodecSingleByteMutationProperty(t *testing.T) {
	codec := newTestCodec(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("mutated envelope is rejected", prop.ForAll(
		func(plaintext string, field int, pos int, delta uint8) bool {
			env, err := codec.Encrypt([]byte(plaintext))
			if err != nil {
				return false
			}
			if delta == 0 {
				delta = 1
			}
			verifier := codec
			switch field {
			case 0:
				mutated := mutateByte(testToken, pos, delta)
				verifier, err = NewCodec(mutated, testAESKey, testOwnerKey)
				if err != nil {
					return true
				}
			case 1:
				env.Timestamp = mutateByte(env.Timestamp, pos, delta)
			case 2:
				env.Nonce = mutateByte(env.Nonce, pos, delta)
			case 3:
				env.Encrypt = mutateByte(env.Encrypt, pos, delta)
			default:
				env.Signature = mutateByte(env.Signature, pos, delta)
			}
			_, err = verifier.VerifyAndDecrypt(env)
			return failure.Is(err, failure.KindSignature)
		},
		gen.AlphaString(),
		gen.IntRange(0, 4),
		gen.IntRange(0, 1<<16),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}

func mutateByte(s string, pos int, delta uint8) string {
	b := []byte(s)
	i := pos % len(b)
	b[i] ^= delta
	return string(b)
}

package tunnel

import (
	"io"

	"filippo.io/age"

	"github.com/tis24dev/datadance/internal/types"
)

// DefaultWorkFactor is the scrypt cost (log2 N) used when none is configured.
const DefaultWorkFactor = 18

// decryptMaxWorkFactor is the highest cost a decoder accepts unless the
// configured factor is higher.
const decryptMaxWorkFactor = 22

// Encryption selects symmetric passphrase encryption. The zero value
// disables it.
type Encryption struct {
	Password   types.SensitiveString
	WorkFactor int
}

// Symmetric returns an encryption setting for password with the default cost.
func Symmetric(password string) Encryption {
	return Encryption{Password: types.NewSensitiveString(password)}
}

// Enabled reports whether a password is configured.
func (e Encryption) Enabled() bool {
	return !e.Password.IsEmpty()
}

func (e Encryption) workFactor() int {
	if e.WorkFactor <= 0 {
		return DefaultWorkFactor
	}
	return e.WorkFactor
}

// wrapEncryptionWriter returns base unchanged when encryption is off, or an
// age writer whose close function flushes the final chunk.
func (e Encryption) wrapEncryptionWriter(base io.Writer) (io.Writer, func() error, error) {
	if !e.Enabled() {
		return base, func() error { return nil }, nil
	}

	recipient, err := age.NewScryptRecipient(e.Password.Reveal())
	if err != nil {
		return nil, nil, &CodecError{Codec: "age", Op: "derive key", Err: err}
	}
	recipient.SetWorkFactor(e.workFactor())

	writer, err := age.Encrypt(base, recipient)
	if err != nil {
		return nil, nil, &CodecError{Codec: "age", Op: "init", Err: err}
	}
	return writer, writer.Close, nil
}

// wrapDecryptionReader returns base unchanged when encryption is off.
func (e Encryption) wrapDecryptionReader(base io.Reader) (io.Reader, error) {
	if !e.Enabled() {
		return base, nil
	}

	identity, err := age.NewScryptIdentity(e.Password.Reveal())
	if err != nil {
		return nil, &CodecError{Codec: "age", Op: "derive key", Err: err}
	}
	identity.SetMaxWorkFactor(max(decryptMaxWorkFactor, e.workFactor()))

	reader, err := age.Decrypt(base, identity)
	if err != nil {
		return nil, &CodecError{Codec: "age", Op: "decrypt", Err: err}
	}
	return reader, nil
}

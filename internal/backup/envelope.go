package backup

import (
	"bytes"
	"compress/gzip"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/stratamem/strata/internal/model"
)

// envelopeVersion is the current backup format version.
const envelopeVersion = "1"

// Envelope is the self-describing backup file format, written and read as a
// whole (no streaming).
type Envelope struct {
	Version      string          `json:"version"`
	Kind         Kind            `json:"kind"`
	CreatedAt    time.Time       `json:"created_at"`
	BaseBackupID string          `json:"base_backup_id,omitempty"`
	Memories     []*model.Memory `json:"memories"`
	Metadata     Metadata        `json:"metadata"`
}

// codec turns envelopes into file bytes and back, applying gzip and
// secretbox according to config. The encryption key is stretched to the
// 32-byte secretbox key with SHA-256.
type codec struct {
	compress bool
	encrypt  bool
	key      [32]byte
}

func newCodec(cfg Config) *codec {
	c := &codec{compress: cfg.Compression != nil && *cfg.Compression, encrypt: cfg.Encryption}
	if cfg.Encryption {
		c.key = sha256.Sum256([]byte(cfg.EncryptionKey))
	}
	return c
}

// encode serializes the envelope and returns the file bytes plus the
// uncompressed serialized size (the compression-ratio denominator).
func (c *codec) encode(env *Envelope) (fileBytes []byte, uncompressed int, err error) {
	serialized, err := json.Marshal(env)
	if err != nil {
		return nil, 0, fmt.Errorf("serializing envelope: %w", err)
	}
	uncompressed = len(serialized)

	out := serialized
	if c.compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(out); err != nil {
			return nil, 0, fmt.Errorf("compressing envelope: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, 0, fmt.Errorf("compressing envelope: %w", err)
		}
		out = buf.Bytes()
	}
	if c.encrypt {
		var nonce [24]byte
		if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
			return nil, 0, fmt.Errorf("generating nonce: %w", err)
		}
		out = secretbox.Seal(nonce[:], out, &nonce, &c.key)
	}
	return out, uncompressed, nil
}

// decode reverses encode. Decryption and decompression failures surface as
// integrity errors; the caller maps them into the validation report.
func (c *codec) decode(fileBytes []byte) (*Envelope, error) {
	data := fileBytes
	if c.encrypt {
		if len(data) < 24 {
			return nil, fmt.Errorf("encrypted payload too short: %w", model.ErrIntegrityFailure)
		}
		var nonce [24]byte
		copy(nonce[:], data[:24])
		opened, ok := secretbox.Open(nil, data[24:], &nonce, &c.key)
		if !ok {
			return nil, fmt.Errorf("decrypting backup: %w", model.ErrIntegrityFailure)
		}
		data = opened
	}
	if c.compress {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decompressing backup: %w", model.ErrIntegrityFailure)
		}
		decompressed, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decompressing backup: %w", model.ErrIntegrityFailure)
		}
		data = decompressed
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", model.ErrIntegrityFailure)
	}
	return &env, nil
}

// structuralErrors checks the envelope fields are well-typed and the memory
// array is present. Returns a list of problems, empty when sound.
func structuralErrors(env *Envelope) []string {
	var problems []string
	if env.Version == "" {
		problems = append(problems, "envelope version is missing")
	}
	switch env.Kind {
	case KindFull, KindIncremental, KindDifferential, KindSnapshot:
	default:
		problems = append(problems, fmt.Sprintf("unknown backup kind %q", env.Kind))
	}
	if env.CreatedAt.IsZero() {
		problems = append(problems, "envelope creation timestamp is missing")
	}
	if env.Memories == nil {
		problems = append(problems, "memory array is missing")
	}
	return problems
}

func checksumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

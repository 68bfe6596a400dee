package backup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/strata/internal/model"
)

func TestStructuralErrors(t *testing.T) {
	sound := &Envelope{
		Version:   envelopeVersion,
		Kind:      KindFull,
		CreatedAt: time.Now().UTC(),
		Memories:  []*model.Memory{},
	}
	assert.Empty(t, structuralErrors(sound))

	broken := &Envelope{Kind: Kind("tarball")}
	problems := structuralErrors(broken)
	assert.Len(t, problems, 4)
}

func TestCodec_PlainRoundTrip(t *testing.T) {
	c := newCodec(Config{})
	env := &Envelope{
		Version:   envelopeVersion,
		Kind:      KindSnapshot,
		CreatedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Memories:  []*model.Memory{{ID: "mem_1", Content: "x"}},
	}

	fileBytes, uncompressed, err := c.encode(env)
	require.NoError(t, err)
	assert.Equal(t, len(fileBytes), uncompressed)

	decoded, err := c.decode(fileBytes)
	require.NoError(t, err)
	assert.Equal(t, env.Kind, decoded.Kind)
	require.Len(t, decoded.Memories, 1)
	assert.Equal(t, "mem_1", decoded.Memories[0].ID)
}

func TestCodec_GarbageInput(t *testing.T) {
	c := newCodec(Config{Compression: boolPtr(true)})
	_, err := c.decode([]byte("not a gzip stream"))
	assert.ErrorIs(t, err, model.ErrIntegrityFailure)
}

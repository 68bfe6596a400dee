package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidType(t *testing.T) {
	for _, typ := range []Type{TypeCode, TypeDocumentation, TypeConversation, TypeDecision, TypePattern, TypePreference, TypeCustom} {
		assert.True(t, ValidType(typ), string(typ))
	}
	assert.False(t, ValidType("screenshot"))
	assert.False(t, ValidType(""))
}

func TestClone_DeepCopiesSlicesAndMetadata(t *testing.T) {
	orig := &Memory{
		ID:              "mem_abc",
		Content:         "original",
		Tags:            []string{"go", "testing"},
		RelatedMemories: []string{"mem_def"},
		CreatedAt:       time.Now(),
		State:           StateActive,
		Metadata:        map[string]any{"source": "unit"},
	}

	cp := orig.Clone()
	require.NotNil(t, cp)

	cp.Tags[0] = "mutated"
	cp.RelatedMemories[0] = "mem_zzz"
	cp.Metadata["source"] = "mutated"

	assert.Equal(t, "go", orig.Tags[0])
	assert.Equal(t, "mem_def", orig.RelatedMemories[0])
	assert.Equal(t, "unit", orig.Metadata["source"])
}

func TestClone_Nil(t *testing.T) {
	var m *Memory
	assert.Nil(t, m.Clone())
}

func TestSetMeta_AllocatesBag(t *testing.T) {
	m := &Memory{ID: "mem_abc"}
	m.SetMeta(MetaArchiveTier, "cold")
	require.NotNil(t, m.Metadata)
	assert.Equal(t, "cold", m.Metadata[MetaArchiveTier])
}

package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/annotation-indexer/pkg/config"
)

func TestProfilesMatchConfigNames(t *testing.T) {
	assert.ElementsMatch(t, config.SchemaProfiles, Names())
}

func TestProfile(t *testing.T) {
	props, err := Profile("MedCAT-Nested-Object")
	require.NoError(t, err)

	ann, ok := props["annotations"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "nested", ann["type"])
	fields, ok := ann["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, fields, "cui")
	assert.Contains(t, fields, "source_value")
}

func TestProfileUnknown(t *testing.T) {
	_, err := Profile("spacy-nested-object")
	assert.Error(t, err)
}

func TestAnnotationsType(t *testing.T) {
	assert.Equal(t, map[string]any{"annotations": map[string]any{"type": "nested"}}, AnnotationsType(true))
	assert.Equal(t, map[string]any{"annotations": map[string]any{"type": "flattened"}}, AnnotationsType(false))
}

func TestRebaseSeparateProfile(t *testing.T) {
	props, err := Profile("gate-nlp-separate-index")
	require.NoError(t, err)
	assert.False(t, Nested(props))

	rebased := Rebase(props, "nlp")
	assert.NotContains(t, rebased, "annotations")
	nlp, ok := rebased["nlp"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, nlp, "properties")
	assert.Contains(t, props, "annotations", "input is left untouched")
}

func TestNested(t *testing.T) {
	props, err := Profile("gate-nlp-nested-object")
	require.NoError(t, err)
	assert.True(t, Nested(props))
	assert.Equal(t, props, Rebase(props, "annotations"))
}

package provider

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeParams(t *testing.T) {
	t.Parallel()

	t.Run("NilParams", func(t *testing.T) {
		t.Parallel()
		body := []byte(`{"model":"gpt-4o"}`)
		out, err := MergeParams(body, nil)
		require.NoError(t, err)
		assert.Equal(t, body, out)
	})

	t.Run("ParamsOverlayBody", func(t *testing.T) {
		t.Parallel()
		out, err := MergeParams(
			[]byte(`{"model":"gpt-4o","temperature":0.5}`),
			map[string]any{"temperature": 0.9, "logit_bias": map[string]any{"50256": -100}},
		)
		require.NoError(t, err)

		var merged map[string]any
		require.NoError(t, json.Unmarshal(out, &merged))
		assert.Equal(t, "gpt-4o", merged["model"])
		assert.InDelta(t, 0.9, merged["temperature"], 1e-9)
		assert.Contains(t, merged, "logit_bias")
	})

	t.Run("InvalidBody", func(t *testing.T) {
		t.Parallel()
		_, err := MergeParams([]byte(`not json`), map[string]any{"a": 1})
		assert.Error(t, err)
	})
}

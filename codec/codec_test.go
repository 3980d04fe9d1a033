package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		task   string
		args   []any
		kwargs map[string]any
	}{
		{
			name:   "basic",
			task:   "t.add",
			args:   []any{float64(3), float64(4)},
			kwargs: map[string]any{},
		},
		{
			name:   "mixed kwargs",
			task:   "t.greet",
			args:   []any{"hello"},
			kwargs: map[string]any{"loud": true, "times": float64(2)},
		},
		{
			name:   "empty",
			task:   "t.noop",
			args:   []any{},
			kwargs: map[string]any{},
		},
	}

	var c JSON
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := c.Encode(tt.task, tt.args, tt.kwargs)
			require.NoError(t, err)

			name, args, kwargs, err := c.Decode(encoded)
			require.NoError(t, err)

			assert.Equal(t, tt.task, name)
			assert.Equal(t, tt.args, args)
			assert.Equal(t, tt.kwargs, kwargs)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	var c JSON
	_, _, _, err := c.Decode([]byte("not json"))
	assert.Error(t, err)

	_, _, _, err = c.Decode([]byte(`["only one element"]`))
	assert.Error(t, err)
}

package search

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewKeyNormalizesQuery(t *testing.T) {
	t.Parallel()

	a := NewKey("  Toyota   CAMRY ", 1, 10)
	b := NewKey("toyota camry", 1, 10)
	require.Equal(t, a, b)
	require.Equal(t, "toyota camry/1-10", a.String())
}

func TestKeyNext(t *testing.T) {
	t.Parallel()

	k := NewKey("honda", 1, 10)
	require.Equal(t, Key{Query: "honda", Page: 2, Limit: 10}, k.Next())
}

func TestKeyValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		key     Key
		wantErr bool
	}{
		{"valid", Key{Query: "honda", Page: 1, Limit: 10}, false},
		{"empty query", Key{Page: 1, Limit: 10}, true},
		{"zero page", Key{Query: "honda", Page: 0, Limit: 10}, true},
		{"limit too large", Key{Query: "honda", Page: 1, Limit: 101}, true},
		{"zero limit", Key{Query: "honda", Page: 1, Limit: 0}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.key.Validate()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestParseKeyRoundTrip(t *testing.T) {
	t.Parallel()

	k := NewKey("ford f-150 / lariat", 3, 25)
	parsed, err := ParseKey(k.String())
	require.NoError(t, err)
	require.Equal(t, k, parsed)

	_, err = ParseKey("no-separator")
	require.Error(t, err)
	_, err = ParseKey("honda/x-10")
	require.Error(t, err)
}

func TestIsNumericQuery(t *testing.T) {
	t.Parallel()

	require.True(t, IsNumericQuery("123456"))
	require.True(t, IsNumericQuery(" 42 "))
	require.False(t, IsNumericQuery("honda 2019"))
	require.False(t, IsNumericQuery(""))
}

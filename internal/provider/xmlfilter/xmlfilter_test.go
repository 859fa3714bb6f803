package xmlfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const event = `<Event><System><Provider Name="Service Control Manager"/><EventID>7036</EventID><Level>4</Level></System></Event>`

func TestMatch(t *testing.T) {
	tests := []struct {
		query string
		want  bool
	}{
		{"*", true},
		{"*[System/Level=4]", true},
		{"*[System/Level=2]", false},
		{"*[System[Provider[@Name='Service Control Manager']]]", true},
		{"*[System[(EventID=7036 or EventID=7040)]]", true},
		{"*[System[Provider[@Name='Other']]]", false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			f, err := New(tt.query)
			require.NoError(t, err)
			got, err := f.Match(event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchAllSkipsParsing(t *testing.T) {
	f, err := New("*")
	require.NoError(t, err)
	ok, err := f.Match("<not xml")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMatchStrictRejectsMalformedXML(t *testing.T) {
	for _, q := range []string{"*", "*[System/Level=4]"} {
		f, err := New(q)
		require.NoError(t, err)
		_, err = f.MatchStrict("<Event><broken")
		assert.Error(t, err, q)
		ok, err := f.MatchStrict(event)
		require.NoError(t, err, q)
		assert.True(t, ok, q)
	}
}

func TestNewRejectsInvalidQuery(t *testing.T) {
	_, err := New("[System")
	assert.Error(t, err)
}

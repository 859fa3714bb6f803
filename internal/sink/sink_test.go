package sink

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oicur0t/winevt-tailer/internal/config"
)

func TestWriterAppendsNewline(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriter(&buf)

	require.NoError(t, s.WriteLine(`{"a":1}`))
	require.NoError(t, s.WriteLine(`{"b":"x\ny"}`))
	assert.Equal(t, "{\"a\":1}\n{\"b\":\"x\\ny\"}\n", buf.String())
	assert.NoError(t, s.Close())
}

func TestWriterRejectsMultiline(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriter(&buf)

	assert.ErrorIs(t, s.WriteLine("a\nb"), ErrMultiline)
	assert.ErrorIs(t, s.WriteLine("a\rb"), ErrMultiline)
	assert.Zero(t, buf.Len())
}

func TestRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "windows_tail1.log")
	s := New(config.OutputConfig{File: path, MaxSizeMB: 1, MaxBackups: 1}, nil)

	require.NoError(t, s.WriteLine("one"))
	require.NoError(t, s.WriteLine("two"))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))
}

func TestNewWithoutFileUsesConsole(t *testing.T) {
	var console bytes.Buffer
	s := New(config.OutputConfig{}, &console)

	require.NoError(t, s.WriteLine("one"))
	require.NoError(t, s.Close())
	assert.Equal(t, "one\n", console.String())
}

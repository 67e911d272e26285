package buffer

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_SpillsToDiskPastMemoryLimit(t *testing.T) {
	buf := New(10)
	defer buf.Close()

	small := []byte("small")
	_, err := buf.Write(small)
	require.NoError(t, err)
	assert.False(t, buf.IsSpilled())
	assert.NotNil(t, buf.Bytes())

	large := []byte("this is much larger data that exceeds the limit")
	_, err = buf.Write(large)
	require.NoError(t, err)

	assert.True(t, buf.IsSpilled())
	assert.NotEmpty(t, buf.Path())
	assert.Nil(t, buf.Bytes())
	assert.Equal(t, int64(len(small)+len(large)), buf.Size())
}

func TestBuffer_Reader(t *testing.T) {
	buf := New(1024)
	defer buf.Close()

	data := []byte("test data for reader")
	_, err := buf.Write(data)
	require.NoError(t, err)

	r, err := buf.Reader()
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestBuffer_ResetClearsSpilledState(t *testing.T) {
	buf := New(10)
	defer buf.Close()

	_, err := buf.Write([]byte("this will spill to disk because it's too large"))
	require.NoError(t, err)
	require.True(t, buf.IsSpilled())

	require.NoError(t, buf.Reset())
	assert.Zero(t, buf.Size())
	assert.False(t, buf.IsSpilled())
}

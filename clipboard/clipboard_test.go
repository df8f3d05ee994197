package clipboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAdapterReadWrite(t *testing.T) {
	a := NewMemoryAdapter(1024)

	_, ok, err := a.Read()
	require.NoError(t, err)
	assert.False(t, ok, "fresh adapter has no value")

	require.NoError(t, a.Set("node-a", []byte("hello"), MIMEText))

	p, ok, err := a.Read()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(p.Content))
	assert.Equal(t, "node-a", p.OriginNode)
}

func TestMemoryAdapterSizeCap(t *testing.T) {
	a := NewMemoryAdapter(4)

	err := a.Set("node-a", []byte("1234"), MIMEText)
	assert.NoError(t, err, "exactly at cap is accepted")

	err = a.Set("node-a", []byte("12345"), MIMEText)
	assert.Error(t, err, "one byte over cap is rejected")
}

func TestMemoryAdapterSubscribe(t *testing.T) {
	a := NewMemoryAdapter(1024)
	ch, ok := a.Subscribe()
	require.True(t, ok)

	require.NoError(t, a.Set("node-a", []byte("hi"), MIMEText))

	select {
	case p := <-ch:
		assert.Equal(t, "hi", string(p.Content))
	default:
		t.Fatal("expected a payload on the subscription channel")
	}
}

package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_NewRequestID(t *testing.T) {
	first := NewRequestID()
	second := NewRequestID()

	require.False(t, first.IsEmpty())
	assert.NotEqual(t, first, second)

	_, err := uuid.Parse(first.String())
	assert.NoError(t, err)
}

func Test_IDEmptiness(t *testing.T) {
	assert.True(t, TenantID("").IsEmpty())
	assert.False(t, TenantID("tenant-a").IsEmpty())
	assert.True(t, RequestID("").IsEmpty())
	assert.False(t, RequestID("req-1").IsEmpty())
}

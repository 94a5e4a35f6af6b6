package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_PartPath_RoundTrip(t *testing.T) {
	path := PartPath("req-1", 3)
	assert.Equal(t, "/results/req-1/3.json", path)

	part, err := PartNumber(path)
	require.NoError(t, err)
	assert.Equal(t, 3, part)
}

func Test_PartNumber_Rejects(t *testing.T) {
	for _, path := range []string{"/results/req-1/zero.json", "/results/req-1/0.json", "/results/req-1/-2.json"} {
		_, err := PartNumber(path)
		assert.Error(t, err, path)
	}
}

func Test_Status_IsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	// An error row carries a checkpoint and is retried.
	assert.False(t, StatusError.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
}

func Test_CompareValues(t *testing.T) {
	tests := []struct {
		name      string
		field     any
		op        Operator
		criterion any
		want      bool
	}{
		{"string equality ignores case", "Male", OpEqual, "male", true},
		{"string inequality", "Male", OpEqual, "female", false},
		{"numeric equality across types", 30, OpEqual, float64(30), true},
		{"greater than", 35, OpGreaterThan, float64(30), true},
		{"greater than excludes equal", 30, OpGreaterThan, float64(30), false},
		{"less than", 25, OpLessThan, float64(30), true},
		{"ordering on non-numbers fails", "abc", OpGreaterThan, "abd", false},
		{"nil field never matches", nil, OpEqual, "x", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareValues(tt.field, tt.op, tt.criterion))
		})
	}
}

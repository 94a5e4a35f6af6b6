package mask

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_Identifier(t *testing.T) {
	t.Run("is deterministic", func(t *testing.T) {
		assert.Equal(t, Identifier("CIT-1001"), Identifier("CIT-1001"))
	})

	t.Run("is hex encoded sha256", func(t *testing.T) {
		masked := Identifier("CIT-1001")
		assert.Len(t, masked, 64)
		assert.Regexp(t, "^[0-9a-f]+$", masked)
	})

	t.Run("distinct inputs diverge", func(t *testing.T) {
		assert.NotEqual(t, Identifier("CIT-1001"), Identifier("CIT-1002"))
	})
}

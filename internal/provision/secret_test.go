package provision

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/managedsp/internal/domain"
)

func TestGenerateSecretShape(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		s, err := GenerateSecret()
		require.NoError(t, err)
		require.Len(t, s, SecretLength)
		for _, r := range s {
			require.True(t, strings.ContainsRune(secretAlphabet, r), "unexpected rune %q in %q", r, s)
		}
		seen[s] = struct{}{}
	}
	assert.Len(t, seen, 200, "secrets should not repeat")
}

func TestRandomPortRange(t *testing.T) {
	t.Parallel()

	for i := 0; i < 5000; i++ {
		p := RandomPort()
		require.GreaterOrEqual(t, p, domain.MinPort)
		require.LessOrEqual(t, p, domain.MaxPort)
	}
}

func TestSequencePortsRepeatsLast(t *testing.T) {
	t.Parallel()

	src := SequencePorts(5000, 5001)
	assert.Equal(t, 5000, src())
	assert.Equal(t, 5001, src())
	assert.Equal(t, 5001, src())
}

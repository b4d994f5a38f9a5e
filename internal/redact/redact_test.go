package redact_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deacon-dev/deacon/internal/redact"
)

func TestRegistryRedactsRegisteredSecrets(t *testing.T) {
	r := redact.NewRegistry()
	r.Add("sk-super-secret-token")
	r.Add("hunter2")

	got := r.Redact("authenticating with sk-super-secret-token and hunter2 both")
	assert.NotContains(t, got, "sk-super-secret-token")
	assert.NotContains(t, got, "hunter2")
	assert.Contains(t, got, "****")
}

func TestRegistryIgnoresEmptySecrets(t *testing.T) {
	r := redact.NewRegistry()
	r.Add("")
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, "unchanged", r.Redact("unchanged"))
}

func TestRegistryIsAppendOnly(t *testing.T) {
	r := redact.NewRegistry()
	r.Add("first")
	r.Add("second")
	r.Add("first")
	assert.Equal(t, 2, r.Len())
}

func TestRedactError(t *testing.T) {
	r := redact.NewRegistry()
	r.Add("topsecret")
	cause := errors.New("failed using topsecret credential")

	redacted := r.RedactError(cause)
	require.Error(t, redacted)
	assert.NotContains(t, redacted.Error(), "topsecret")
	assert.ErrorIs(t, redacted, cause)

	assert.Nil(t, r.RedactError(nil))
}

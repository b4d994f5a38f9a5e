package errtyp_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/deacon-dev/deacon/internal/errtyp"
)

func TestConfigErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := &errtyp.ConfigError{Kind: "Parse", Message: "invalid json", Cause: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "config.Parse")
}

func TestConfigErrorRendersPaths(t *testing.T) {
	err := &errtyp.ConfigError{Kind: "MultipleConfigs", Message: "ambiguous", Paths: []string{"a.json", "b.json"}}
	assert.Contains(t, err.Error(), "a.json")
	assert.Contains(t, err.Error(), "b.json")
}

func TestFeatureErrorCycleRendering(t *testing.T) {
	err := &errtyp.FeatureError{Kind: "Cycle", Cycle: []string{"a", "b", "a"}}
	assert.Contains(t, err.Error(), "feature.cycle")
	assert.Contains(t, err.Error(), "a")
}

func TestFeatureErrorInstallFailedRendering(t *testing.T) {
	err := &errtyp.FeatureError{Kind: "InstallFailed", FeatureID: "node", ExitCode: 1, StderrTail: "npm error"}
	assert.Contains(t, err.Error(), "node")
	assert.Contains(t, err.Error(), "npm error")
}

func TestLifecycleErrorWithExitCode(t *testing.T) {
	code := 137
	err := &errtyp.LifecycleError{Kind: "PhaseFailed", Phase: "postCreate", CommandID: 2, ExitCode: &code}
	assert.Contains(t, err.Error(), "postCreate")
	assert.Contains(t, err.Error(), "137")
}

func TestRegistryErrorUnwraps(t *testing.T) {
	cause := errors.New("401")
	err := &errtyp.RegistryError{Kind: "Auth", Ref: "ghcr.io/x/y:1", Cause: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ghcr.io/x/y:1")
}

func TestStateErrorIncludesWorkspaceHash(t *testing.T) {
	err := &errtyp.StateError{Kind: "Conflict", WorkspaceHash: "deadbeef"}
	assert.Contains(t, err.Error(), "deadbeef")
}

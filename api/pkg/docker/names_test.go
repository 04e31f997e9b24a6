package docker

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelharbor/modelharbor/api/pkg/types"
)

func TestContainerNameRoundTrip(t *testing.T) {
	id := uuid.New().String()

	name := FormatContainerName(types.EngineKindVLLM, "my-model", id)
	assert.Equal(t, "vllm-my-model-"+id, name)

	parsed, ok := ParseContainerName(name)
	require.True(t, ok)
	assert.Equal(t, types.EngineKindVLLM, parsed.Kind)
	assert.Equal(t, "my-model", parsed.InstanceName)
	assert.Equal(t, id, parsed.InstanceID)
}

func TestParseContainerNameWithDashes(t *testing.T) {
	id := uuid.New().String()

	parsed, ok := ParseContainerName("ollama-llama-3-lab-" + id)
	require.True(t, ok)
	assert.Equal(t, types.EngineKindOllama, parsed.Kind)
	assert.Equal(t, "llama-3-lab", parsed.InstanceName)
	assert.Equal(t, id, parsed.InstanceID)
}

func TestParseContainerNameRejectsForeign(t *testing.T) {
	id := uuid.New().String()

	cases := []string{
		"postgres-main",
		"vllm-" + id,           // no instance name
		"vllm-model-notauuid",  // no uuid suffix
		"llvm-model-" + id,     // wrong prefix
		"myapp-vllm-x-" + id,   // prefix not at the start
	}
	for _, name := range cases {
		_, ok := ParseContainerName(name)
		assert.False(t, ok, "expected %q to be rejected", name)
	}
}

func TestInternalPort(t *testing.T) {
	assert.Equal(t, 8000, internalPort(types.EngineKindVLLM))
	assert.Equal(t, 11434, internalPort(types.EngineKindOllama))
}

package docker

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/modelharbor/modelharbor/api/pkg/types"
)

// Container names follow {vllm|ollama}-{name}-{uuid} where uuid is the
// canonical 8-4-4-4-12 form. Orphan recovery parses names back into
// instance identity, so this format is a wire contract: breaking it
// orphans future restarts.

const (
	vllmNamePrefix   = "vllm-"
	ollamaNamePrefix = "ollama-"
)

var uuidSuffixRe = regexp.MustCompile(`-([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})$`)

// FormatContainerName renders the canonical container name for an
// instance.
func FormatContainerName(kind types.EngineKind, instanceName, instanceID string) string {
	return fmt.Sprintf("%s-%s-%s", kind, instanceName, instanceID)
}

// ParsedContainerName is the identity recovered from a container name.
type ParsedContainerName struct {
	Kind         types.EngineKind
	InstanceName string
	InstanceID   string
}

// ParseContainerName is the inverse of FormatContainerName. The
// instance name may itself contain dashes; the uuid anchors the split
// from the right.
func ParseContainerName(name string) (ParsedContainerName, bool) {
	var kind types.EngineKind
	var rest string
	switch {
	case strings.HasPrefix(name, vllmNamePrefix):
		kind = types.EngineKindVLLM
		rest = strings.TrimPrefix(name, vllmNamePrefix)
	case strings.HasPrefix(name, ollamaNamePrefix):
		kind = types.EngineKindOllama
		rest = strings.TrimPrefix(name, ollamaNamePrefix)
	default:
		return ParsedContainerName{}, false
	}

	match := uuidSuffixRe.FindStringSubmatchIndex(rest)
	if match == nil {
		return ParsedContainerName{}, false
	}
	instanceName := rest[:match[0]]
	instanceID := rest[match[2]:match[3]]
	if instanceName == "" {
		return ParsedContainerName{}, false
	}

	return ParsedContainerName{
		Kind:         kind,
		InstanceName: instanceName,
		InstanceID:   instanceID,
	}, true
}

// internalPort is the engine's in-container listen port.
func internalPort(kind types.EngineKind) int {
	if kind == types.EngineKindOllama {
		return 11434
	}
	return 8000
}

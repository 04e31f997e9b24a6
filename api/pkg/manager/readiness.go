package manager

import (
	"context"
	"fmt"
	"net/http"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/modelharbor/modelharbor/api/pkg/types"
)

const (
	readinessBudget   = 2 * time.Minute
	readinessInterval = 2 * time.Second
)

// healthPath is the engine endpoint probed after a create or replace.
func healthPath(kind types.EngineKind) string {
	if kind == types.EngineKindVLLM {
		return "/health"
	}
	// The Ollama root answers as soon as the server is up.
	return "/"
}

// waitReady probes the mapped host port until the engine answers.
// Runs detached; readiness never gates the create response, a model
// load can take minutes and the status converges through reads.
func (m *Manager) waitReady(ctx context.Context, kind types.EngineKind, id string, port int) {
	probeURL := fmt.Sprintf("http://127.0.0.1:%d%s", port, healthPath(kind))

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), readinessBudget)
	defer cancel()

	started := time.Now()
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 500 {
				return fmt.Errorf("engine answered %d", resp.StatusCode)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Delay(readinessInterval),
		retry.DelayType(retry.FixedDelay),
		retry.Attempts(0),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		log.Warn().
			Err(err).
			Str("instance_id", id).
			Int("port", port).
			Msg("engine did not become ready in budget")
		return
	}
	log.Info().
		Str("instance_id", id).
		Int("port", port).
		Dur("took", time.Since(started)).
		Msg("engine ready")
}

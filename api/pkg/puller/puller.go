package puller

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/docker/go-units"
	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog/log"

	"github.com/modelharbor/modelharbor/api/pkg/store"
	"github.com/modelharbor/modelharbor/api/pkg/types"
)

// eventBufferSize bounds the progress channel; a slow subscriber loses
// intermediate frames, never the terminal one.
const eventBufferSize = 64

// OllamaAPI is the slice of the engine client the puller uses.
type OllamaAPI interface {
	Pull(ctx context.Context, req *api.PullRequest, fn api.PullProgressFunc) error
	List(ctx context.Context) (*api.ListResponse, error)
	Delete(ctx context.Context, req *api.DeleteRequest) error
}

// Puller streams model downloads into an Ollama instance and records
// their outcome. The download itself always runs to completion so the
// upstream state stays deterministic; only event delivery is abandoned
// when the subscriber goes away.
type Puller struct {
	store     store.Store
	newClient func(baseURL string) (OllamaAPI, error)
}

func NewPuller(s store.Store) *Puller {
	return &Puller{
		store:     s,
		newClient: defaultClient,
	}
}

// NewPullerWithClient injects the engine client factory for tests.
func NewPullerWithClient(s store.Store, newClient func(baseURL string) (OllamaAPI, error)) *Puller {
	return &Puller{
		store:     s,
		newClient: newClient,
	}
}

func defaultClient(baseURL string) (OllamaAPI, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama base url %q: %w", baseURL, err)
	}
	return api.NewClient(parsed, http.DefaultClient), nil
}

func engineBaseURL(instance *types.Instance) string {
	return fmt.Sprintf("http://127.0.0.1:%d", instance.Port)
}

// Pull starts a model download and returns the progress event channel.
// The channel is closed when the pull terminates, whether or not the
// subscriber is still listening. The terminal frame is either a
// success record or one carrying an error.
func (p *Puller) Pull(ctx context.Context, instance *types.Instance, modelName string) (<-chan types.PullProgress, error) {
	if instance.Kind != types.EngineKindOllama {
		return nil, types.NewValidationError("instance %s is not an ollama instance", instance.ID)
	}
	if modelName == "" {
		return nil, types.NewValidationError("modelName is required")
	}

	client, err := p.newClient(engineBaseURL(instance))
	if err != nil {
		return nil, err
	}

	_, err = p.store.UpsertModel(ctx, &types.OllamaModel{
		InstanceID: instance.ID,
		Name:       modelName,
		Status:     types.ModelStatusDownloading,
	})
	if err != nil {
		return nil, types.NewInternalError("failed to record model download", err)
	}

	events := make(chan types.PullProgress, eventBufferSize)

	// Detach from the request context: a disconnected subscriber must
	// not abort the download. Its Done channel still signals when the
	// terminal frame has nobody left to deliver to.
	go p.run(context.WithoutCancel(ctx), ctx.Done(), client, instance, modelName, events)

	return events, nil
}

func (p *Puller) run(ctx context.Context, subscriberGone <-chan struct{}, client OllamaAPI, instance *types.Instance, modelName string, events chan<- types.PullProgress) {
	defer close(events)

	succeeded := false
	pullErr := client.Pull(ctx, &api.PullRequest{Model: modelName}, func(progress api.ProgressResponse) error {
		if progress.Status == "success" {
			// Held back and re-sent as the terminal frame below.
			succeeded = true
			return nil
		}
		emit(events, types.PullProgress{
			Status:    progress.Status,
			Digest:    progress.Digest,
			Total:     progress.Total,
			Completed: progress.Completed,
		})
		return nil
	})

	record := &types.OllamaModel{
		InstanceID: instance.ID,
		Name:       modelName,
	}

	var terminal types.PullProgress
	switch {
	case pullErr != nil:
		log.Error().Err(pullErr).Str("model", modelName).Str("instance_id", instance.ID).Msg("model pull failed")
		record.Status = types.ModelStatusFailed
		terminal = types.PullProgress{Status: "error", Error: pullErr.Error()}
	case !succeeded:
		// Stream ended without a terminal success frame.
		log.Warn().Str("model", modelName).Str("instance_id", instance.ID).Msg("model pull stream ended without success")
		record.Status = types.ModelStatusFailed
		terminal = types.PullProgress{Status: "error", Error: "pull stream ended without success"}
	default:
		record.Status = types.ModelStatusReady
		// The terminal frame carries no metadata; fill it from a
		// follow-up inspect.
		p.fillModelDetails(ctx, client, modelName, record)
		terminal = types.PullProgress{Status: "success"}
		log.Info().
			Str("model", modelName).
			Str("instance_id", instance.ID).
			Str("size", units.HumanSize(float64(record.Size))).
			Msg("model pull finished")
	}

	// Persist before delivering: the record must converge even when
	// nobody drains the stream.
	if _, err := p.store.UpsertModel(ctx, record); err != nil {
		log.Error().Err(err).Str("model", modelName).Msg("failed to record pull outcome")
	}

	// The terminal frame is never droppable: wait for buffer room
	// unless the subscriber is gone.
	select {
	case events <- terminal:
	case <-subscriberGone:
	}
}

// emit pushes without blocking; only intermediate frames go through
// here, and those are droppable.
func emit(events chan<- types.PullProgress, progress types.PullProgress) {
	select {
	case events <- progress:
	default:
	}
}

func (p *Puller) fillModelDetails(ctx context.Context, client OllamaAPI, modelName string, record *types.OllamaModel) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	listing, err := client.List(ctx)
	if err != nil {
		log.Warn().Err(err).Str("model", modelName).Msg("failed to inspect pulled model")
		return
	}
	for _, model := range listing.Models {
		if model.Name == modelName || model.Model == modelName {
			record.Size = model.Size
			record.Digest = model.Digest
			record.ModifiedAt = model.ModifiedAt
			return
		}
	}
}

// RefreshModels realigns the stored records of one instance with what
// the engine reports, so out-of-band pulls appear in listings.
func (p *Puller) RefreshModels(ctx context.Context, instance *types.Instance) error {
	client, err := p.newClient(engineBaseURL(instance))
	if err != nil {
		return err
	}
	listing, err := client.List(ctx)
	if err != nil {
		return types.NewDriverError("failed to list models from engine", err)
	}

	for _, model := range listing.Models {
		name := model.Name
		if name == "" {
			name = model.Model
		}
		_, err := p.store.UpsertModel(ctx, &types.OllamaModel{
			InstanceID: instance.ID,
			Name:       name,
			Status:     types.ModelStatusReady,
			Size:       model.Size,
			Digest:     model.Digest,
			ModifiedAt: model.ModifiedAt,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteModel removes the model from the engine and drops the record.
func (p *Puller) DeleteModel(ctx context.Context, instance *types.Instance, modelName string) error {
	client, err := p.newClient(engineBaseURL(instance))
	if err != nil {
		return err
	}
	if err := client.Delete(ctx, &api.DeleteRequest{Model: modelName}); err != nil {
		return types.NewDriverError(fmt.Sprintf("failed to delete model %s from engine", modelName), err)
	}
	if err := p.store.DeleteModel(ctx, instance.ID, modelName); err != nil && err != store.ErrNotFound {
		return err
	}
	return nil
}

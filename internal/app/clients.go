package app

import (
	"context"
	"fmt"

	"github.com/yungbote/dialectic-backend/internal/clients/openai"
	"github.com/yungbote/dialectic-backend/internal/clients/redis"
	"github.com/yungbote/dialectic-backend/internal/dialectic/executor"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
	"github.com/yungbote/dialectic-backend/internal/services"
)

type Clients struct {
	Storage services.ObjectStorage
	// JobBus is nil when REDIS_ADDR is unset; workers then poll and wake locally.
	JobBus redis.JobBus
	Model  executor.ModelCaller
}

func wireClients(ctx context.Context, log *logger.Logger, cfg Config) (Clients, error) {
	log.Info("Wiring clients...")

	storage, err := resolveObjectStorage(ctx, log, cfg)
	if err != nil {
		return Clients{}, err
	}

	var bus redis.JobBus
	if cfg.RedisAddr != "" {
		bus, err = redis.NewJobBus(log, cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			return Clients{}, fmt.Errorf("init redis job bus: %w", err)
		}
	}

	model, err := wireModel(log, cfg)
	if err != nil {
		return Clients{}, err
	}
	return Clients{Storage: storage, JobBus: bus, Model: model}, nil
}

// wireModel routes ai_models.provider "mock" to the offline adapter and
// everything else to MODEL_PROVIDER.
func wireModel(log *logger.Logger, cfg Config) (executor.ModelCaller, error) {
	mock := executor.ChatCaller{Client: openai.NewMock()}
	router := executor.Router{ByProvider: map[string]executor.ModelCaller{"mock": mock}}
	switch cfg.ModelProvider {
	case "mock":
		router.Default = mock
	case "openai", "":
		client, err := openai.NewClient(log, openai.Config{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Timeout:    cfg.ModelTimeout,
			MaxRetries: cfg.OpenAIMaxRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("init openai client: %w", err)
		}
		router.Default = executor.ChatCaller{Client: client}
		router.ByProvider["openai"] = router.Default
	default:
		return nil, fmt.Errorf("unsupported MODEL_PROVIDER %q", cfg.ModelProvider)
	}
	return router, nil
}

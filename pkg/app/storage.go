package app

import (
	"fmt"

	"github.com/komari-bot/komari/config"
	"github.com/komari-bot/komari/pkg/storage"
	badgerkv "github.com/komari-bot/komari/pkg/storage/badger"
	memkv "github.com/komari-bot/komari/pkg/storage/memory"
	rediskv "github.com/komari-bot/komari/pkg/storage/redis"
)

// newKV opens the buffer backend named by cfg.Buffer.Backend.
func newKV(cfg *config.Config) (storage.KV, error) {
	switch cfg.Buffer.Backend {
	case "memory", "":
		return memkv.NewMemoryStorage(), nil
	case "badger":
		return badgerkv.NewBadgerStorage(&badgerkv.Config{
			Path:       cfg.Badger.Path,
			SyncWrites: cfg.Badger.SyncWrites,
		})
	case "redis":
		client := rediskv.NewClient(rediskv.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return rediskv.NewRedisStorage(client), nil
	default:
		return nil, fmt.Errorf("unknown buffer backend %q", cfg.Buffer.Backend)
	}
}

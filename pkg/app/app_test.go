package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/komari-bot/komari/config"
	"github.com/komari-bot/komari/pkg/api/events"
	"github.com/komari-bot/komari/pkg/api/handlers"
	"github.com/komari-bot/komari/pkg/buffer"
	"github.com/komari-bot/komari/pkg/llm"
	"github.com/komari-bot/komari/pkg/logger"
	memkv "github.com/komari-bot/komari/pkg/storage/memory"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.RateLimit.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Store.DSN = filepath.Join(t.TempDir(), "komari.db")
	cfg.Store.EmbeddingDim = 4
	cfg.Consolidation.MessageThreshold = 2
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, reply string) *App {
	t.Helper()
	gen := llm.GeneratorFunc(func(context.Context, llm.Request) (string, error) {
		return reply, nil
	})
	emb := llm.EmbedderFunc(func(context.Context, string) ([]float32, error) {
		return []float32{1, 0, 0, 0}, nil
	})
	a, err := New(context.Background(), cfg,
		WithLogger(logger.Nop()),
		WithKV(memkv.NewMemoryStorage()),
		WithGenerator(gen),
		WithEmbedder(emb),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return a
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNew_ServesKnowledgeAndMessages(t *testing.T) {
	a := newTestApp(t, testConfig(t), "hi there")
	h := a.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/knowledge", map[string]any{
		"content":  "Komari likes strawberry cake",
		"keywords": []string{"cake"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, "/api/v1/knowledge/search?q=any+cake+left", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var search handlers.KnowledgeSearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &search))
	require.NotEmpty(t, search.Results)
	assert.Equal(t, "Komari likes strawberry cake", search.Results[0].Content)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/messages", map[string]any{
		"conversation_id": "g1",
		"user_id":         "u1",
		"content":         "hey, what do you think about cake?",
		"mentioned":       true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var msg handlers.MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, "hi there", msg.Reply.Text)
	assert.NotEmpty(t, msg.MessageID)

	n, err := a.Buffer.Len(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec = doJSON(t, h, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestStartStop(t *testing.T) {
	a := newTestApp(t, testConfig(t), "ok")
	ctx := context.Background()

	require.NoError(t, a.Start(ctx))
	assert.Equal(t, StateRunning, a.State())
	assert.ErrorIs(t, a.Start(ctx), ErrAlreadyRunning)
	assert.ElementsMatch(t, []string{JobConsolidation, JobForgetting}, a.Scheduler.Jobs())

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx))
	assert.Equal(t, StateStopped, a.State())
	assert.NoError(t, a.Stop(stopCtx))
}

func TestRun_StopsOnCancel(t *testing.T) {
	a := newTestApp(t, testConfig(t), "ok")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.State() == StateRunning }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateStopped, a.State())
}

func TestRunConsolidation_BroadcastsOutcome(t *testing.T) {
	a := newTestApp(t, testConfig(t), "we talked about cake")
	ctx := context.Background()
	feed := a.Events.Subscribe(4)

	for _, content := range []string{"cake is great", "strawberry cake is the best"} {
		require.NoError(t, a.Buffer.Push(ctx, "g1", buffer.Message{SenderID: "u1", SenderName: "A", Content: content}))
		_, err := a.Buffer.IncrementMessageCount(ctx, "g1")
		require.NoError(t, err)
	}

	require.NoError(t, a.RunConsolidation(ctx))

	select {
	case ev := <-feed:
		assert.Equal(t, events.TypeConsolidated, ev.Type)
		assert.Equal(t, "g1", ev.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("no consolidation event")
	}

	mems, err := a.Memories.List(ctx, "g1", 10)
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, "we talked about cake", mems[0].Summary)
}

func TestRunForgetting_BroadcastsReport(t *testing.T) {
	a := newTestApp(t, testConfig(t), "ok")
	feed := a.Events.Subscribe(4)

	require.NoError(t, a.RunForgetting(context.Background()))
	select {
	case ev := <-feed:
		assert.Equal(t, events.TypeForgettingRun, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no forgetting event")
	}
}

func TestApplyConfig(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg, "ok")

	next := *cfg
	next.Knowledge.SimilarityThreshold = 0.9
	next.Proactive.Enabled = true
	next.Proactive.MaxPerHour = 7
	next.Log.Level = "debug"
	a.applyConfig(&next)

	assert.InDelta(t, 0.9, a.Knowledge.Retriever().Threshold(), 1e-9)
	p := a.Chat.ProactiveSettings()
	assert.True(t, p.Enabled)
	assert.Equal(t, 7, p.MaxPerHour)
}

func TestNewKV(t *testing.T) {
	cfg := config.DefaultConfig()

	cfg.Buffer.Backend = "memory"
	kv, err := newKV(cfg)
	require.NoError(t, err)
	assert.NoError(t, kv.Ping(context.Background()))
	assert.NoError(t, kv.Close())

	cfg.Buffer.Backend = "badger"
	cfg.Badger.Path = t.TempDir()
	kv, err = newKV(cfg)
	require.NoError(t, err)
	assert.NoError(t, kv.Close())

	cfg.Buffer.Backend = "etcd"
	_, err = newKV(cfg)
	assert.Error(t, err)
}

func TestNew_BadProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Provider = "bogus"
	_, err := New(context.Background(), cfg, WithLogger(logger.Nop()), WithKV(memkv.NewMemoryStorage()))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Log.Output = filepath.Join(t.TempDir(), "komari.log")
	cfg.Log.Level = "warn"

	log, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.Equal(t, logger.WarnLevel, log.GetLevel())
	assert.NoError(t, log.Close())

	cfg.App.Debug = true
	log, err = NewLogger(cfg)
	require.NoError(t, err)
	assert.Equal(t, logger.DebugLevel, log.GetLevel())
	assert.NoError(t, log.Close())

	cfg.Log.Output = filepath.Join(t.TempDir(), "missing", "komari.log")
	_, err = NewLogger(cfg)
	assert.Error(t, err)
}

package app

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/support-desk/backend/internal/config"
	"github.com/zhouzirui/support-desk/backend/internal/model/support"
	"github.com/zhouzirui/support-desk/backend/internal/service/ai"
	"github.com/zhouzirui/support-desk/backend/internal/service/ai/aitest"
	"github.com/zhouzirui/support-desk/backend/internal/service/support/supporttest"
	"github.com/zhouzirui/support-desk/backend/internal/tools"
)

func testConfig(driver, path string) *config.Config {
	return &config.Config{
		Store: config.StoreConfig{Driver: driver, Path: path, SessionCacheSize: 16},
		Tools: config.ToolsConfig{Timeout: time.Second},
		Pipeline: config.PipelineConfig{
			MaxToolRounds:  3,
			ModelRetries:   0,
			ReplyTimeout:   5 * time.Second,
			HandoffMessage: config.DefaultHandoffMessage,
			BrandName:      "Acme",
		},
	}
}

func TestNewWiresEverything(t *testing.T) {
	ctx := context.Background()
	commerce := tools.CollaboratorFunc(func(_ context.Context, def tools.Definition, _ json.RawMessage) (support.Envelope, error) {
		return support.Succeed(map[string]string{"tool": def.Name}), nil
	})

	a, err := New(ctx, testConfig("sqlite", filepath.Join(t.TempDir(), "desk.db")), zerolog.Nop(),
		WithModelFactory(aitest.NewChatModel(supporttest.Proceeding("On its way!")).Factory()),
		WithCollaborator(commerce),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	require.NoError(t, a.Store.Ping(ctx))

	session, err := a.Support.StartSession(ctx, supporttest.Customer)
	require.NoError(t, err)
	res, err := a.Support.Reply(ctx, session.ID, "Where is my order #1001?", nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "On its way!", res.FinalMessage)

	trace, err := a.Support.Trace(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, trace.Messages, 2)
	assert.Len(t, trace.ToolCalls, 1)
}

func TestNewWithoutCredentialsFails(t *testing.T) {
	_, err := New(context.Background(), testConfig("memory", ""), zerolog.Nop())
	assert.ErrorContains(t, err, "build chat model")
}

func TestNewBuildsArkModelsFromConfig(t *testing.T) {
	cfg := testConfig("memory", "")
	cfg.AI = config.AIConfig{APIKey: "test-key", Model: "ep-test", BaseURL: "http://127.0.0.1:1"}

	a, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	var newModel ai.ModelFactory = cfg.AI.NewChatModel
	chatModel, err := newModel(context.Background())
	require.NoError(t, err)

	defs, err := tools.DefaultCatalog()
	require.NoError(t, err)
	infos := make([]*schema.ToolInfo, 0, len(defs))
	for _, def := range defs {
		infos = append(infos, def.ToolInfo())
	}
	require.NoError(t, chatModel.BindTools(infos))
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(context.Background(), testConfig("postgres", ""), zerolog.Nop())
	assert.ErrorContains(t, err, "open store")
}

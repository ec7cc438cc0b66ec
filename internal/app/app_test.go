package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repairline/internal/config"
	"repairline/internal/engine"
	"repairline/internal/engine/auth"
)

func TestOpenWiresSQLiteEngine(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()
	rt, err := Open(ctx, Options{Workspace: ws})
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, "sqlite", rt.Config.Store.Backend)
	require.NoError(t, rt.ResolveTechnician(ctx, "tech-1"))
	o, err := rt.Engine.CreateOrder(ctx, engine.CreateOrderOptions{
		OrderNumber: "ORD-1",
		ActorID:     "tech-1",
		Visits:      []engine.NewVisit{{VisitType: "diagnosis"}},
	})
	require.NoError(t, err)

	got, err := rt.Repo.Get(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	_, err = os.Stat(filepath.Join(ws, ".repairline", "repairline.db"))
	assert.NoError(t, err)
}

func TestResolveTechnicianRejectsInactive(t *testing.T) {
	ctx := context.Background()
	rt, err := Open(ctx, Options{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer rt.Close()

	assert.Error(t, rt.ResolveTechnician(ctx, "  "))
	require.NoError(t, rt.ResolveTechnician(ctx, "tech-1"))
	require.NoError(t, rt.Repo.SetTechnicianActive(ctx, "tech-1", false))
	assert.ErrorContains(t, rt.ResolveTechnician(ctx, "tech-1"), "inactive")
}

func TestResolverChain(t *testing.T) {
	ctx := context.Background()
	rt, err := Open(ctx, Options{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer rt.Close()

	assert.Len(t, rt.Resolver(""), 1)
	r := rt.Resolver("s3cret")
	token, err := auth.IssueToken("s3cret", "tech-1", 0, rt.Engine.Now())
	require.NoError(t, err)
	id, err := r.Resolve(ctx, auth.Credential{Bearer: token})
	require.NoError(t, err)
	assert.Equal(t, "tech-1", id.TechnicianID)
}

func TestDispatcherUsesConfiguredWebhooks(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{{URL: "http://127.0.0.1:1/hook"}}
	rt, err := Open(ctx, Options{Workspace: t.TempDir(), Config: cfg})
	require.NoError(t, err)
	defer rt.Close()

	d, err := rt.Dispatcher()
	require.NoError(t, err)
	require.Len(t, d.Sinks, 1)
	assert.Equal(t, "webhook:http://127.0.0.1:1/hook", d.Sinks[0].Name())
}

func TestLoadEnv(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, LoadEnv(ws))
	require.NoError(t, os.WriteFile(filepath.Join(ws, ".env"), []byte("REPAIRLINE_TEST_LOADENV=yes\n"), 0o600))
	t.Setenv("REPAIRLINE_TEST_LOADENV", "")
	os.Unsetenv("REPAIRLINE_TEST_LOADENV")
	require.NoError(t, LoadEnv(ws))
	assert.Equal(t, "yes", os.Getenv("REPAIRLINE_TEST_LOADENV"))
}

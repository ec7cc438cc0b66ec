package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2, cfg.Completion.MinPhotos)
	assert.Equal(t, "VIS", cfg.Visits.IDPrefix)
	assert.Equal(t, 5*time.Second, cfg.Store.Timeout)
	assert.Equal(t, 3, cfg.Store.SaveAttempts)
	assert.Equal(t, "local", cfg.Lock.Backend)
	assert.Empty(t, cfg.Webhooks)
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("completion:\n  min_photos: 3\nwebhooks:\n  - url: http://example.test/hook\n    events: [visit.completed]\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Completion.MinPhotos)
	assert.Equal(t, "VIS", cfg.Visits.IDPrefix)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"visit.completed"}, cfg.Webhooks[0].Events)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"photos below floor": "completion:\n  min_photos: 1\n",
		"postgres no dsn":    "store:\n  backend: postgres\n",
		"unknown backend":    "store:\n  backend: mysql\n",
		"redis no addr":      "lock:\n  backend: redis\n",
		"webhook no url":     "webhooks:\n  - events: [x]\n",
		"amqp no exchange":   "amqp:\n  url: amqp://localhost\n",
		"empty prefix":       "visits:\n  id_prefix: \"\"\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadAndLoadOptional(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	assert.Error(t, err)

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "repairline.yml"), []byte("visits:\n  id_prefix: RPR\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "RPR", cfg.Visits.IDPrefix)
}

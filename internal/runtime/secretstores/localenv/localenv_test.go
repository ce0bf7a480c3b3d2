package localenv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/outrigger/internal/runtime/components"
)

func TestGetSecretUsesPrefix(t *testing.T) {
	t.Setenv("ORDERS_DB_PASSWORD", "hunter2")
	s := New("env", "ORDERS_")

	got, err := s.GetSecret(context.Background(), "DB_PASSWORD")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"DB_PASSWORD": "hunter2"}, got)

	_, err = s.GetSecret(context.Background(), "NOT_SET_ANYWHERE")
	assert.ErrorContains(t, err, "not found")
}

func TestBulkGetFiltersByPrefix(t *testing.T) {
	s := New("env", "APP_")
	s.environ = func() []string {
		return []string{"APP_TOKEN=abc", "APP_=skip", "HOME=/root", "APP_EMPTY=", "broken"}
	}

	got, err := s.BulkGetSecret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]map[string]string{
		"TOKEN": {"TOKEN": "abc"},
		"EMPTY": {"EMPTY": ""},
	}, got)
}

func TestRegistered(t *testing.T) {
	assert.True(t, components.DefaultRegistry.Has(ComponentType))

	built, err := components.DefaultRegistry.Build(context.Background(), components.Spec{
		Name: "env", Type: ComponentType, Metadata: components.Properties{"cacheTTL": "30s"},
	}, components.Deps{})
	require.NoError(t, err)
	assert.NotNil(t, built)
}

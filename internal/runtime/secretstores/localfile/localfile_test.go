package localfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/outrigger/internal/runtime/components"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestJSONFlattened(t *testing.T) {
	path := writeFile(t, "secrets.json", `{"db":{"password":"p","port":5432},"token":"t","hosts":["a","b"]}`)
	s, err := Open("local", Config{Path: path})
	require.NoError(t, err)
	ctx := context.Background()

	got, err := s.GetSecret(ctx, "db:password")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"db:password": "p"}, got)

	got, err = s.GetSecret(ctx, "db:port")
	require.NoError(t, err)
	assert.Equal(t, "5432", got["db:port"])

	assert.Equal(t, []string{"db:password", "db:port", "hosts:0", "hosts:1", "token"}, s.Keys())

	_, err = s.GetSecret(ctx, "db")
	assert.ErrorContains(t, err, "not found")
}

func TestYAMLWithCustomSeparator(t *testing.T) {
	path := writeFile(t, "secrets.yaml", "redis:\n  auth:\n    password: s3cret\n")
	s, err := Open("local", Config{Path: path, NestedSeparator: "."})
	require.NoError(t, err)

	got, err := s.GetSecret(context.Background(), "redis.auth.password")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got["redis.auth.password"])
}

func TestMultiValued(t *testing.T) {
	path := writeFile(t, "secrets.json", `{"db":{"user":"u","password":"p"},"token":"t"}`)
	s, err := Open("local", Config{Path: path, MultiValued: true})
	require.NoError(t, err)

	all, err := s.BulkGetSecret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]map[string]string{
		"db":    {"user": "u", "password": "p"},
		"token": {"token": "t"},
	}, all)
}

func TestOpenErrors(t *testing.T) {
	_, err := Open("local", Config{Path: filepath.Join(t.TempDir(), "absent.json")})
	assert.Error(t, err)

	_, err = Open("local", Config{Path: writeFile(t, "bad.json", "{")})
	assert.ErrorContains(t, err, "parse secrets json")

	_, err = ConfigFrom(components.Properties{})
	assert.ErrorContains(t, err, "secretsFile")
}

func TestRegisteredFactory(t *testing.T) {
	path := writeFile(t, "secrets.json", `{"k":"v"}`)
	built, err := components.DefaultRegistry.Build(context.Background(), components.Spec{
		Name: "local", Type: ComponentType, Metadata: components.Properties{"secretsFile": path},
	}, components.Deps{})
	require.NoError(t, err)

	store, ok := built.(*Store)
	require.True(t, ok)
	assert.Equal(t, []string{"k"}, store.Keys())
}

package leveldb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/drblury/outrigger/internal/runtime/components"
	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	"github.com/drblury/outrigger/internal/runtime/state"
	"github.com/drblury/outrigger/internal/runtime/state/statetest"
)

func TestConformance(t *testing.T) {
	statetest.Run(t, func(t *testing.T) state.Store {
		s, err := Open(storage.NewMemStorage())
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSingleStepMultiReportsPrecondition(t *testing.T) {
	s, err := Open(storage.NewMemStorage())
	require.NoError(t, err)
	defer s.Close()

	err = s.Multi(context.Background(), []state.TxOperation{
		{Type: state.Delete, Delete: state.DeleteRequest{Key: "x", ETag: state.ETag("bad")}},
	})
	assert.ErrorIs(t, err, errspkg.ErrPreconditionFailed)
}

func TestBuildOnDisk(t *testing.T) {
	dir := t.TempDir()
	inst, err := Build(context.Background(), components.Spec{Name: "ldb", Type: ComponentType, Metadata: components.Properties{"path": dir}}, components.Deps{})
	require.NoError(t, err)
	s := inst.(*Store)
	require.NoError(t, s.Set(context.Background(), state.SetRequest{Key: "k", Value: []byte("v")}))
	require.NoError(t, s.Close())

	inst, err = Build(context.Background(), components.Spec{Name: "ldb", Type: ComponentType, Metadata: components.Properties{"path": dir}}, components.Deps{})
	require.NoError(t, err)
	s = inst.(*Store)
	defer s.Close()
	got, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got.Value))

	_, err = Build(context.Background(), components.Spec{Name: "ldb", Type: ComponentType}, components.Deps{})
	assert.Error(t, err, "path is required unless inMemory")
}

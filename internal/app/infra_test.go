package app

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-order-settlement/internal/memstore"
	"github.com/ariefcatur/go-order-settlement/internal/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
)

func memoryInfra(t *testing.T) *Infra {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
env:
  STORE_DRIVER: memory
  OUTBOX_SINK: log
  REDIS_ADDR: ""
catalog:
  - {id: p-1, sku: A1, title: Mug, price_cents: 1200, available: 4}
  - {id: p-2, sku: B2, price_cents: 300, available: 1, inactive: true}
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("OTEL_ENDPOINT", "")

	in, err := New(context.Background(), "-test")
	require.NoError(t, err)
	t.Cleanup(func() { in.Shutdown(context.Background()) })
	return in
}

func TestMemoryStoreIsSeeded(t *testing.T) {
	in := memoryInfra(t)
	ctx := context.Background()
	assert.Equal(t, "order-api-test", in.Cfg.ServiceName)

	st, err := in.OpenStore(ctx)
	require.NoError(t, err)
	require.NoError(t, in.SeedCatalog(ctx, st))

	ms, ok := st.(*memstore.Store)
	require.True(t, ok)
	assert.Equal(t, 4, ms.Available("p-1"))
	assert.Equal(t, 1, ms.Available("p-2"))

	assert.IsType(t, outbox.LogSink{}, in.Sink())
	assert.Nil(t, in.Redis(ctx))
}

func TestShutdownRunsInReverseOrder(t *testing.T) {
	in := memoryInfra(t)
	var order []string
	in.OnShutdown("first", func(context.Context) error { order = append(order, "first"); return nil })
	in.OnShutdown("second", func(context.Context) error { order = append(order, "second"); return errors.New("ignored") })

	in.Shutdown(context.Background())
	in.Shutdown(context.Background())
	assert.Equal(t, []string{"second", "first"}, order)
}

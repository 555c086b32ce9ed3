package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"mancanexus/internal/store"
)

func newManualMeter(t *testing.T) (*sdkmetric.MeterProvider, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { mp.Shutdown(context.Background()) })
	return mp, reader
}

// counterValue returns the value of the int64 counter point carrying exactly
// attrs, or zero when there is none.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	want := attribute.NewSet(attrs...)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is %T", name, m.Data)
			for _, dp := range sum.DataPoints {
				if dp.Attributes.Equals(&want) {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func TestOperationsAreCountedByOutcome(t *testing.T) {
	mp, reader := newManualMeter(t)
	e := newTestEnv(WithMeterProvider(mp))
	ctx := context.Background()
	item := e.addItem(t)

	_, err := e.svc.Checkout(ctx, checkoutReq(e.addMember(t), item))
	require.NoError(t, err)
	_, err = e.svc.Checkout(ctx, checkoutReq(e.addMember(t), item))
	require.ErrorIs(t, err, ErrItemUnavailable)

	other, otherItem := e.addMember(t), e.addItem(t)
	e.mem.InjectFaults(1, 0)
	_, err = e.svc.Checkout(ctx, checkoutReq(other, otherItem))
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	e.mem.InjectFaults(0, 0)

	checkout := attribute.String("op", "checkout")
	assert.Equal(t, int64(1), counterValue(t, reader, "lifecycle.operations", checkout, attribute.String("outcome", "ok")))
	assert.Equal(t, int64(1), counterValue(t, reader, "lifecycle.operations", checkout, attribute.String("outcome", "rejected")))
	assert.Equal(t, int64(1), counterValue(t, reader, "lifecycle.operations", checkout, attribute.String("outcome", "store_error")))
}

func TestConflictRetriesAreCounted(t *testing.T) {
	mp, reader := newManualMeter(t)
	mem := store.NewMemStore()
	cs := &conflictingStore{Store: mem}
	clock := &fakeClock{now: t0}
	svc := NewService(cs, WithClock(clock.Now), WithRetry(4, time.Millisecond), WithMeterProvider(mp))

	e := &testEnv{store: mem}
	seat := e.addSeat(t)
	member := e.addMember(t)
	cs.remaining.Store(2)

	_, err := svc.AssignSeat(context.Background(), seat, member)
	require.NoError(t, err)

	assert.Equal(t, int64(2), counterValue(t, reader, "lifecycle.conflict_retries", attribute.String("op", "assign_seat")))
}

func TestSweepCountsMarkedRentals(t *testing.T) {
	mp, reader := newManualMeter(t)
	e := newTestEnv(WithMeterProvider(mp))
	ctx := context.Background()
	_, err := e.svc.Checkout(ctx, checkoutReq(e.addMember(t), e.addItem(t)))
	require.NoError(t, err)

	e.clock.Advance(8 * 24 * time.Hour)
	n, err := e.svc.SweepOverdue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	assert.Equal(t, int64(1), counterValue(t, reader, "lifecycle.overdue_marked"))
}

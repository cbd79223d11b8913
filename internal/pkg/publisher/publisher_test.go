package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anicoll/qvantum-integration/internal/pkg/model"
)

type recordingSink struct {
	mu      sync.Mutex
	writes  [][]Sample
	devices []string
}

func (r *recordingSink) Write(_ context.Context, samples []Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, samples)
	return nil
}

func (r *recordingSink) RegisterDevice(device *model.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = append(r.devices, device.ID)
	return nil
}

func (r *recordingSink) allSamples() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Sample
	for _, w := range r.writes {
		out = append(out, w...)
	}
	return out
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	require.NoError(t, Register("dup-sink", &recordingSink{}))
	assert.Error(t, Register("dup-sink", &recordingSink{}))
}

func TestPublishSnapshotSkipsUnchangedValues(t *testing.T) {
	sink := &recordingSink{}
	require.NoError(t, Register("dedupe-sink", sink))

	device := &model.Device{ID: "dev-dedupe", SerialNumber: "DEDUPE1", Model: "QE8"}
	snap := &model.Snapshot{
		DeviceID:  device.ID,
		Metrics:   map[string]model.Value{"powertotal": model.FloatValue(1250.5)},
		TakenAt:   time.Now(),
		Connected: true,
	}

	PublishSnapshot(context.Background(), device, snap)
	first := len(sink.allSamples())
	require.Positive(t, first)

	// Same value again: nothing new reaches the sink.
	PublishSnapshot(context.Background(), device, snap)
	assert.Len(t, sink.allSamples(), first)

	changed := snap.Clone()
	changed.Metrics["powertotal"] = model.FloatValue(900)
	PublishSnapshot(context.Background(), device, changed)

	samples := sink.allSamples()
	require.Len(t, samples, first+1)
	last := samples[len(samples)-1]
	assert.Equal(t, "powertotal", last.Metric)
	assert.Equal(t, "900", last.Value)
	assert.Equal(t, "W", last.Unit)
	assert.Equal(t, device.Identifier(), last.Identifier)
}

func TestRegisterDeviceFansOut(t *testing.T) {
	sink := &recordingSink{}
	require.NoError(t, Register("device-sink", sink))

	device := &model.Device{ID: "dev-fanout", SerialNumber: "FAN1", Model: "QE12"}
	require.NoError(t, RegisterDevice(device))
	assert.Contains(t, sink.devices, "dev-fanout")
}

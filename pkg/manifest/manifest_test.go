package manifest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/devicebroker/pkg/registry"
)

func newTestRegistry(t *testing.T) *registry.DeviceRegistry {
	t.Helper()
	return registry.New(registry.Config{})
}

func TestBuilder_RebuildProducesOneSkillPerOnlineDeviceTool(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, registry.DeviceSpec{DeviceID: "cam-1", Name: "Camera 1", IntentKeywords: []string{"photo"}})
	require.NoError(t, err)

	b := New(Config{Name: "devicebroker", URL: "https://broker.local"}, reg)
	card := b.Current()
	require.Equal(t, "devicebroker", card.Name)
	require.Empty(t, card.Skills, "a freshly registered device with no probed tools contributes no skills")
}

func TestBuilder_OfflineDeviceContributesNoSkills(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, registry.DeviceSpec{DeviceID: "cam-1", Name: "Camera 1"})
	require.NoError(t, err)

	b := New(Config{Name: "devicebroker"}, reg)
	require.Empty(t, b.Current().Skills)

	// Force offline by aging the device past 2H, then sweep.
	reg2 := registry.New(registry.Config{HeartbeatWindow: time.Nanosecond})
	_, err = reg2.Register(ctx, registry.DeviceSpec{DeviceID: "cam-2", Name: "Camera 2"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	reg2.SweepLiveness(ctx)

	b2 := New(Config{Name: "devicebroker"}, reg2)
	require.Empty(t, b2.Current().Skills)
}

func TestBuilder_WatchRebuildsOnSignal(t *testing.T) {
	reg := newTestRegistry(t)
	b := New(Config{Name: "devicebroker"}, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Watch(ctx)

	before := b.Current()
	_, err := reg.Register(context.Background(), registry.DeviceSpec{DeviceID: "cam-1", Name: "Camera 1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.Current() != before
	}, time.Second, 5*time.Millisecond)
}

func TestRenderSchemaExample(t *testing.T) {
	doc := renderSchemaExample(map[string]any{"type": "object"}, nil)
	require.Contains(t, doc, `"input"`)
	require.NotContains(t, doc, `"output"`)

	require.Equal(t, "", renderSchemaExample(nil, nil))
}

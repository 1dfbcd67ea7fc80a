package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	tools []Tool
	err   error
}

func (p *fakeProbe) Probe(ctx context.Context, sourceRef string) ([]Tool, error) {
	return p.tools, p.err
}

func TestDeviceRegistry_RegisterIdempotentOnDuplicate(t *testing.T) {
	reg := New(Config{Probe: &fakeProbe{tools: []Tool{{ToolID: "capture_image"}}}})

	_, err := reg.Register(context.Background(), DeviceSpec{DeviceID: "cam-1", IntentKeywords: []string{"photo"}})
	require.NoError(t, err)

	_, err = reg.Register(context.Background(), DeviceSpec{DeviceID: "cam-1"})
	require.Error(t, err)
}

func TestDeviceRegistry_MatchByIntentExcludesOffline(t *testing.T) {
	reg := New(Config{Probe: &fakeProbe{}})
	ctx := context.Background()

	_, err := reg.Register(ctx, DeviceSpec{DeviceID: "cam-1", IntentKeywords: []string{"photo", "picture"}})
	require.NoError(t, err)
	_, err = reg.Register(ctx, DeviceSpec{DeviceID: "cam-2", IntentKeywords: []string{"photo"}})
	require.NoError(t, err)

	d, _ := reg.Get("cam-2")
	d.Liveness = LivenessOffline
	reg.mu.Lock()
	reg.devices["cam-2"] = d
	reg.mu.Unlock()

	matches := reg.MatchByIntent([]string{"photo"}, "")
	require.Len(t, matches, 1)
	require.Equal(t, "cam-1", matches[0].DeviceID)
}

func TestDeviceRegistry_MatchByIntentTieBreak(t *testing.T) {
	reg := New(Config{Probe: &fakeProbe{}})
	ctx := context.Background()

	_, err := reg.Register(ctx, DeviceSpec{DeviceID: "cam-old", IntentKeywords: []string{"photo"}})
	require.NoError(t, err)
	_, err = reg.Register(ctx, DeviceSpec{DeviceID: "cam-new", IntentKeywords: []string{"photo"}})
	require.NoError(t, err)

	reg.mu.Lock()
	reg.devices["cam-old"].LastSeen = time.Now().Add(-time.Hour)
	reg.mu.Unlock()

	matches := reg.MatchByIntent([]string{"photo"}, "")
	require.Len(t, matches, 2)
	require.Equal(t, "cam-new", matches[0].DeviceID)
}

func TestDeviceRegistry_SweepLivenessTransitions(t *testing.T) {
	reg := New(Config{HeartbeatWindow: 10 * time.Millisecond})
	ctx := context.Background()

	_, err := reg.Register(ctx, DeviceSpec{DeviceID: "cam-1"})
	require.NoError(t, err)

	time.Sleep(15 * time.Millisecond)
	reg.SweepLiveness(ctx)
	d, _ := reg.Get("cam-1")
	require.Equal(t, LivenessUnknown, d.Liveness)

	time.Sleep(20 * time.Millisecond)
	reg.SweepLiveness(ctx)
	d, _ = reg.Get("cam-1")
	require.Equal(t, LivenessOffline, d.Liveness)
}

func TestDeviceRegistry_Deregister(t *testing.T) {
	reg := New(Config{})
	ctx := context.Background()
	_, err := reg.Register(ctx, DeviceSpec{DeviceID: "cam-1"})
	require.NoError(t, err)

	require.NoError(t, reg.Deregister(ctx, "cam-1"))
	_, ok := reg.Get("cam-1")
	require.False(t, ok)

	err = reg.Deregister(ctx, "cam-1")
	require.Error(t, err)
}

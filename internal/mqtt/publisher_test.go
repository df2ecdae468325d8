package mqtt

import (
	"testing"

	"solarmax-monitor/internal/inverter"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledPublisherIsNoop(t *testing.T) {
	p, err := NewPublisher(PublisherConfig{Enabled: false}, nil)
	require.NoError(t, err)

	assert.NoError(t, p.Publish(map[string]any{"InverterMode": "OnGrid"}))
	assert.NoError(t, p.PublishHomeAssistantDiscovery(inverter.DefaultLayout(), nil))
	assert.False(t, p.IsConnected())
	p.Close()
}

func TestDeviceSlug(t *testing.T) {
	assert.Equal(t, "solarmax", deviceSlug(""))
	assert.Equal(t, "roof_west", deviceSlug("Roof West"))
	assert.Equal(t, "a_b_c", deviceSlug("a/b#c"))
}

func TestDiscoveryConfig(t *testing.T) {
	assert := assert.New(t)
	layout := inverter.DefaultLayout()

	f, ok := layout.Field("L1Voltage")
	require.True(t, ok)
	cfg := discoveryConfig("solarmax", "roof", f, &inverter.DeviceInfo{SerialNumber: "2245-001", Model: "SolarMax 6SMT"})

	assert.Equal("L1 Voltage", cfg["name"])
	assert.Equal("roof_L1Voltage", cfg["unique_id"])
	assert.Equal("solarmax/roof/L1Voltage", cfg["state_topic"])
	assert.Equal("V", cfg["unit_of_measurement"])
	assert.Equal("voltage", cfg["device_class"])
	assert.Equal("measurement", cfg["state_class"])

	device := cfg["device"].(map[string]interface{})
	assert.Equal("SolarMax 6SMT", device["model"])
	assert.Equal("2245-001", device["serial_number"])

	mode, ok := layout.Field(inverter.ModeKey)
	require.True(t, ok)
	cfg = discoveryConfig("solarmax", "roof", mode, nil)
	_, hasUnit := cfg["unit_of_measurement"]
	assert.False(hasUnit)
}

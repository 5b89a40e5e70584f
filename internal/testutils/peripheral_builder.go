package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/srg/pneulink/internal/device"
)

// Patch UUIDs used across tests. They mirror the defaults of the real peripheral.
const (
	PatchName        = "ESP32_BLUETOOTH"
	PatchAddress     = "aa:bb:cc:dd:ee:01"
	PatchServiceUUID = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	PatchSensorUUID  = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
	PatchCommandUUID = "e3223119-9445-4e96-a4a1-85358c4046a2"
	PatchStatusUUID  = "c0de0001-36e1-4688-b7f5-ea07361b26a8"
)

// CharacteristicConfig represents a characteristic of a fake peripheral.
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g. "read,write,notify"
	Value      []byte `json:"value,omitempty"`
}

// ServiceConfig represents a service of a fake peripheral.
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// PeripheralConfig is the complete description of a fake peripheral.
type PeripheralConfig struct {
	Name     string          `json:"name"`
	Address  string          `json:"address"`
	Services []ServiceConfig `json:"services"`
}

// PeripheralBuilder builds a FakeRadio advertising one peripheral.
type PeripheralBuilder struct {
	cfg PeripheralConfig
}

func NewPeripheralBuilder() *PeripheralBuilder {
	return &PeripheralBuilder{cfg: PeripheralConfig{Name: PatchName, Address: PatchAddress}}
}

// PatchPeripheral is a builder preloaded with the standard patch profile.
func PatchPeripheral() *PeripheralBuilder {
	return NewPeripheralBuilder().
		WithService(PatchServiceUUID).
		WithCharacteristic(PatchSensorUUID, "read,notify", nil).
		WithCharacteristic(PatchCommandUUID, "write", nil).
		WithCharacteristic(PatchStatusUUID, "read", []byte("ready"))
}

func (b *PeripheralBuilder) WithName(name string) *PeripheralBuilder {
	b.cfg.Name = name
	return b
}

func (b *PeripheralBuilder) WithAddress(address string) *PeripheralBuilder {
	b.cfg.Address = address
	return b
}

// WithService adds a service to the profile
func (b *PeripheralBuilder) WithService(uuid string) *PeripheralBuilder {
	b.cfg.Services = append(b.cfg.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralBuilder) WithCharacteristic(uuid, properties string, value []byte) *PeripheralBuilder {
	if len(b.cfg.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	last := len(b.cfg.Services) - 1
	b.cfg.Services[last].Characteristics = append(b.cfg.Services[last].Characteristics,
		CharacteristicConfig{UUID: uuid, Properties: properties, Value: value})
	return b
}

// FromJSON replaces the whole configuration.
func (b *PeripheralBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralBuilder {
	var cfg PeripheralConfig
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &cfg); err != nil {
		panic(fmt.Sprintf("PeripheralBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.cfg = cfg
	return b
}

// Build creates the radio.
func (b *PeripheralBuilder) Build() *FakeRadio {
	profile := &device.Profile{}
	values := make(map[string][]byte)
	for _, svc := range b.cfg.Services {
		info := device.ServiceInfo{UUID: device.NormalizeUUID(svc.UUID)}
		for _, c := range svc.Characteristics {
			info.Characteristics = append(info.Characteristics, device.CharacteristicInfo{
				UUID:       device.NormalizeUUID(c.UUID),
				Properties: parseProperties(c.Properties),
			})
			values[charKey(svc.UUID, c.UUID)] = c.Value
		}
		profile.Services = append(profile.Services, info)
	}
	return newFakeRadio(b.cfg.Name, b.cfg.Address, profile, values)
}

func parseProperties(props string) device.Property {
	if props == "" {
		return device.PropRead | device.PropWrite | device.PropNotify
	}
	var p device.Property
	for _, part := range strings.Split(props, ",") {
		switch strings.TrimSpace(part) {
		case "read":
			p |= device.PropRead
		case "write":
			p |= device.PropWrite
		case "write-without-response":
			p |= device.PropWriteWithoutResponse
		case "notify":
			p |= device.PropNotify
		case "indicate":
			p |= device.PropIndicate
		default:
			panic(fmt.Sprintf("unknown characteristic property %q", part))
		}
	}
	return p
}

func charKey(service, char string) string {
	return device.NormalizeUUID(service) + "/" + device.NormalizeUUID(char)
}

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gosimple/slug"

	"github.com/anicoll/qvantum-integration/internal/pkg/model"
	"github.com/anicoll/qvantum-integration/internal/pkg/publisher"
)

// registerMessage is the Home Assistant discovery config payload.
type registerMessage struct {
	Tilda      string         `json:"~"`
	Name       string         `json:"name"`
	ID         string         `json:"unique_id"`
	StateTopic string         `json:"state_topic"`
	Unit       string         `json:"unit_of_measurement,omitempty"`
	Device     registerDevice `json:"device"`
}

type registerDevice struct {
	Name         string   `json:"name"`
	Identifiers  []string `json:"identifiers"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

func (s *service) Write(ctx context.Context, samples []publisher.Sample) error {
	for _, sample := range samples {
		if err := s.configureSensor(sample); err != nil {
			return err
		}
		if err := s.publishSample(sample); err != nil {
			return err
		}
	}
	return nil
}

func (s *service) RegisterDevice(device *model.Device) error {
	s.devices[device.Identifier()] = device
	return nil
}

// configureSensor publishes the retained discovery config the first
// time a metric is seen for a device.
func (s *service) configureSensor(sample publisher.Sample) error {
	sensorID := slug.Make(fmt.Sprintf("%s_%s", sample.Identifier, sample.Metric))
	if _, exists := s.configuredSensors[sensorID]; exists {
		return nil
	}

	device := registerDevice{
		Name:         sample.Identifier,
		Identifiers:  []string{sample.Identifier},
		Model:        sample.Identifier,
		Manufacturer: "Qvantum",
	}
	if d, ok := s.devices[sample.Identifier]; ok {
		device.Model = d.Model
		device.SWVersion = d.FirmwareDisplay
		if d.Manufacturer != "" {
			device.Manufacturer = d.Manufacturer
		}
	}

	msg := registerMessage{
		Tilda:      fmt.Sprintf("homeassistant/sensor/%s/%s", sample.Identifier, sample.Metric),
		Name:       fmt.Sprintf("%s %s", sample.Identifier, sample.Metric),
		ID:         sensorID,
		StateTopic: "~/state",
		Unit:       sample.Unit,
		Device:     device,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", sample.Identifier, sample.Metric)
	token := s.client.Publish(topic, 1, true, payload)
	if err := token.Error(); err != nil {
		return err
	}
	if res := token.WaitTimeout(time.Second * 5); res {
		s.configuredSensors[sensorID] = struct{}{}
	}
	return nil
}

func (s *service) publishSample(sample publisher.Sample) error {
	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/state", sample.Identifier, sample.Metric)

	payload := map[string]string{
		"value": sample.Value,
	}
	if sample.Unit != "" {
		payload["unit_of_measurement"] = sample.Unit
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	token := s.client.Publish(topic, 0, false, data)
	if res := token.WaitTimeout(time.Second * 10); res {
		return nil
	}
	return token.Error()
}

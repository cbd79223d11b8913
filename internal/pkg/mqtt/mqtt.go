// Package mqtt publishes samples to a broker using Home Assistant's
// discovery topic layout, so a heat pump shows up as a device with one
// sensor per metric without manual configuration.
package mqtt

import (
	"errors"
	"time"

	paho_mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/anicoll/qvantum-integration/internal/pkg/model"
)

type service struct {
	client paho_mqtt.Client
	// devices is keyed by publish identifier; it feeds the discovery
	// device block with the real model and firmware.
	devices           map[string]*model.Device
	configuredSensors map[string]struct{}
}

func New(client paho_mqtt.Client) *service {
	return &service{
		client:            client,
		devices:           make(map[string]*model.Device),
		configuredSensors: make(map[string]struct{}),
	}
}

func (s *service) Connect() error {
	token := s.client.Connect()
	if res := token.WaitTimeout(time.Second * 5); res {
		return nil
	}
	if err := token.Error(); err != nil {
		return err
	}
	return errors.New("unable to connect in time")
}

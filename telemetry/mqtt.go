// Package telemetry pushes pipeline result snapshots to the robot-side bus.
package telemetry

import (
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/opensight-robotics/opensight/vision"
)

// TopicPrefix is where per-pipeline results land on the bus; the pipeline
// id and "/result" complete the topic.
const TopicPrefix = "opensight/pipelines/"

const connectTimeout = 5 * time.Second

// An MQTTPublisher is a vision.ResultSink that publishes each snapshot as
// JSON. Publishing is fire and forget: a slow or disconnected broker drops
// snapshots rather than stalling the processing workers, matching the
// freshness-over-completeness policy of the frame path.
type MQTTPublisher struct {
	client mqtt.Client
	logger golog.Logger
}

// NewMQTTPublisher connects to broker (e.g. "tcp://10.0.0.2:1883").
func NewMQTTPublisher(broker, clientID string, logger golog.Logger) (*MQTTPublisher, error) {
	if clientID == "" {
		clientID = "opensight"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)
	client := mqtt.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, errors.Errorf("timed out connecting to mqtt broker %q", broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "cannot connect to mqtt broker %q", broker)
	}
	return newPublisherWithClient(client, logger), nil
}

func newPublisherWithClient(client mqtt.Client, logger golog.Logger) *MQTTPublisher {
	return &MQTTPublisher{client: client, logger: logger.Named("telemetry")}
}

// Publish sends the snapshot to opensight/pipelines/<id>/result without
// waiting for broker acknowledgment.
func (p *MQTTPublisher) Publish(snapshot vision.ResultSnapshot) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		p.logger.Errorw("cannot marshal result snapshot", "pipeline", snapshot.PipelineID, "error", err)
		return
	}
	p.client.Publish(TopicPrefix+snapshot.PipelineID+"/result", 0, false, payload)
}

// Close disconnects from the broker after letting in-flight messages drain
// briefly.
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}

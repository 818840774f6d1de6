package events

import (
	"encoding/json"

	"github.com/pkg/errors"

	stanUtil "github.com/flotillaproject/flotilla/internal/common/stan-util"
)

// StanPublisher reports events to a NATS Streaming subject as JSON documents.
// Publishing waits for the broker ack so callers observe delivery failures,
// but callers are expected to log and move on rather than fail the operation.
type StanPublisher struct {
	connection *stanUtil.DurableConnection
	subject    string
}

func NewStanPublisher(connection *stanUtil.DurableConnection, subject string) *StanPublisher {
	return &StanPublisher{connection: connection, subject: subject}
}

func (p *StanPublisher) Publish(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.WithStack(err)
	}

	acked := make(chan error, 1)
	_, err = p.connection.PublishAsync(p.subject, data, func(subj string, err error) {
		acked <- err
	})
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(<-acked)
}

func (p *StanPublisher) Check() error {
	return p.connection.Check()
}

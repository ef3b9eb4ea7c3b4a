// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package notifier publishes shipment events to other services

Events are written to the job queue of the backend in the same transaction as the change
they describe. The job worker then hands them to a Publisher, which sends them to Kafka or
SQS. Failed publications are retried by the job queue.
*/
package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/relabs-tech/scaup/core/logger"
)

// Event types
const (
	ShipmentPushed    = "shipment.pushed"
	ShipmentStatus    = "shipment.status"
	ShipmentRequested = "shipment.requested"
)

// Message is an event about a shipment
type Message struct {
	// Type is one of the event types
	Type string
	// Key partitions the messages, usually the shipment id
	Key     string
	Payload []byte
	Time    time.Time
}

// Publisher sends messages
type Publisher interface {
	Publish(ctx context.Context, message Message) error
	Close() error
}

// Type selects a publisher implementation
type Type string

// Publisher types
const (
	TypeKafka Type = "kafka"
	TypeSQS   Type = "sqs"
	TypeLog   Type = ""
)

// ParseType checks name
func ParseType(name string) (Type, error) {
	switch Type(name) {
	case TypeKafka, TypeSQS, TypeLog:
		return Type(name), nil
	}
	return TypeLog, fmt.Errorf("unknown notifier '%s'", name)
}

// Log is a publisher which only logs messages. It is used when no broker is configured.
type Log struct{}

// Publish implements Publisher
func (Log) Publish(ctx context.Context, message Message) error {
	logger.FromContext(ctx).WithField("key", message.Key).Debugf("event %s: %s", message.Type, message.Payload)
	return nil
}

// Close implements Publisher
func (Log) Close() error {
	return nil
}

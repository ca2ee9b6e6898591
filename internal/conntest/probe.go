package conntest

import (
	"context"

	"google.golang.org/protobuf/proto"
)

// Probe issues the one-shot aggregation query that verifies unary RPCs
// reach the backend.
type Probe struct {
	channel  Channel
	requests RequestFactory
}

func NewProbe(channel Channel, requests RequestFactory) *Probe {
	return &Probe{
		channel:  channel,
		requests: requests,
	}
}

// Run blocks until the response list is fully drained and returns the
// single aggregate result. Any other response count is a hard error; the
// probe is never retried.
func (p *Probe) Run(ctx context.Context) (proto.Message, error) {
	responses, err := p.channel.UnaryCall(ctx, p.requests.AggregationRequest())
	if err != nil {
		return nil, err
	}

	if len(responses) != 1 {
		return nil, &AggregationCountError{
			Count:     len(responses),
			Responses: responses,
		}
	}

	return responses[0], nil
}

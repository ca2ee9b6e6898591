package conntest

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// ErrStreamClosed is returned by StreamingCall.AddTarget once Close has
// been called. Closing a streaming call is irreversible.
var ErrStreamClosed = errors.New("streaming call is closed")

// AggregationCountError reports an aggregation query that returned a
// number of results other than exactly one. It keeps the full response
// list for diagnostics.
type AggregationCountError struct {
	Count     int
	Responses []proto.Message
}

func (e *AggregationCountError) Error() string {
	return fmt.Sprintf("aggregation query returned %d responses, expected exactly 1: %v", e.Count, e.Responses)
}

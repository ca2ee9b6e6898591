package firestore

import (
	firestorepb "cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/protobuf/proto"

	"github.com/dconeybe/firestore-conntest/internal/conntest"
)

// Requests builds the two fixed payloads the connectivity test sends: a
// COUNT aggregation over the probe collection and an add-target listen
// request for the same query.
type Requests struct {
	database   string
	collection string
}

var _ conntest.RequestFactory = (*Requests)(nil)

func NewRequests(cfg Config) *Requests {
	return &Requests{
		database:   cfg.databasePath(),
		collection: cfg.Collection,
	}
}

func (r *Requests) structuredQuery() *firestorepb.StructuredQuery {
	return &firestorepb.StructuredQuery{
		From: []*firestorepb.StructuredQuery_CollectionSelector{{
			CollectionId: r.collection,
		}},
	}
}

func (r *Requests) AggregationRequest() proto.Message {
	return &firestorepb.RunAggregationQueryRequest{
		Parent: r.database + "/documents",
		QueryType: &firestorepb.RunAggregationQueryRequest_StructuredAggregationQuery{
			StructuredAggregationQuery: &firestorepb.StructuredAggregationQuery{
				QueryType: &firestorepb.StructuredAggregationQuery_StructuredQuery{
					StructuredQuery: r.structuredQuery(),
				},
				Aggregations: []*firestorepb.StructuredAggregationQuery_Aggregation{{
					Alias: "count",
					Operator: &firestorepb.StructuredAggregationQuery_Aggregation_Count_{
						Count: &firestorepb.StructuredAggregationQuery_Aggregation_Count{},
					},
				}},
			},
		},
	}
}

func (r *Requests) ListenTargetRequest(targetID int32) proto.Message {
	return &firestorepb.ListenRequest{
		Database: r.database,
		TargetChange: &firestorepb.ListenRequest_AddTarget{
			AddTarget: &firestorepb.Target{
				TargetId: targetID,
				TargetType: &firestorepb.Target_Query{
					Query: &firestorepb.Target_QueryTarget{
						Parent: r.database + "/documents",
						QueryType: &firestorepb.Target_QueryTarget_StructuredQuery{
							StructuredQuery: r.structuredQuery(),
						},
					},
				},
			},
		},
	}
}

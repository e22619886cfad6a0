package loadtester

import (
	"fmt"
	"time"

	"github.com/armadaproject/eventwriter/internal/eventwriter/model"
)

const eventSpacing = time.Microsecond

// GenerateBulk returns n events spread round-robin over the given number of parameters, timestamped from start
// onwards. Schema v1 events are named "parameter_<k>"; schema v2 events use ids 1 to parameters.
func GenerateBulk(n int, parameters int, schema model.SchemaVersion, start time.Time) []model.Event {
	events := make([]model.Event, n)
	for i := range events {
		k := i % parameters
		e := model.Event{
			Time:   start.Add(time.Duration(i) * eventSpacing),
			Value:  float32(i%1000) / 10,
			Status: int32(i % 4),
		}
		if schema == model.SchemaV2 {
			e.ParameterId = int32(k + 1)
		} else {
			e.ParameterName = fmt.Sprintf("parameter_%d", k)
		}
		events[i] = e
	}
	return events
}

package sparse

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
)

var (
	meter = global.Meter("sparse")

	tuplesEmitted   = metric.Must(meter).NewInt64Counter("sparse.stream.emitted")
	tuplesForwarded = metric.Must(meter).NewInt64Counter("sparse.stream.forwarded")
	batchSize       = metric.Must(meter).NewInt64ValueRecorder("sparse.operator.batch_size")
	callDuration    = metric.Must(meter).NewInt64ValueRecorder("sparse.operator.duration")
	queueDepth      = metric.Must(meter).NewInt64ValueRecorder("sparse.runtime.queue_depth")
)

package sparse

import (
	"github.com/mitchellh/mapstructure"
)

// Typed views of the wire dictionaries. Incoming objects are decoded into
// these with mapstructure; outgoing objects are built as plain dictionaries
// so optional fields can be omitted.

type connectorStreamMsg struct {
	StreamID    string `mapstructure:"stream_id"`
	StreamAlias string `mapstructure:"stream_alias"`
}

type subscribeMsg struct {
	StreamAlias string `mapstructure:"stream_alias"`
}

type moduleTransferMsg struct {
	ModuleName string `mapstructure:"module_name"`
}

type dataTupleMsg struct {
	StreamSelector string      `mapstructure:"stream_selector"`
	Tuple          interface{} `mapstructure:"tuple"`
}

type deploymentMsg struct {
	Deployment Deployment `mapstructure:"deployment"`
}

func decodeMessage(obj map[string]interface{}, out interface{}) error {
	return mapstructure.Decode(obj, out)
}

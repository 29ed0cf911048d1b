package bootstrap

import (
	"encoding/json"

	"github.com/i5heu/leafsync/pkg/model"
)

func marshalNodeInfo(info model.NodeInfo) ([]byte, error) {
	return json.Marshal(info)
}

func unmarshalNodeInfo(body []byte, info *model.NodeInfo) error {
	return json.Unmarshal(body, info)
}

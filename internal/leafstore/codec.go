package leafstore

import (
	"encoding/json"

	"github.com/i5heu/leafsync/pkg/model"
)

func marshalLeaf(l model.Leaf) ([]byte, error) {
	return json.Marshal(l)
}

func unmarshalLeaf(body []byte, l *model.Leaf) error {
	return json.Unmarshal(body, l)
}

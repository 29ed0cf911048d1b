package leafwait

import (
	"encoding/json"

	"github.com/i5heu/leafsync/pkg/model"
)

func unmarshalLeafBody(body []byte, l *model.Leaf) error {
	return json.Unmarshal(body, l)
}

package replicate

import (
	"context"
	"encoding/json"

	"github.com/i5heu/leafsync/pkg/docdb"
	"github.com/i5heu/leafsync/pkg/model"
)

func decodeLeafData(body []byte) ([]byte, error) {
	var leaf model.Leaf
	if err := json.Unmarshal(body, &leaf); err != nil {
		return nil, err
	}
	return []byte(leaf.Data), nil
}

// Collector binds a Coordinator to a fixed local/remote pair so it
// satisfies assembler.ChunkCollector without the assembler needing to
// know about replication settings.
type Collector struct {
	Coordinator *Coordinator
	Local       docdb.DB
	Remote      docdb.DB
}

// CollectChunks implements assembler.ChunkCollector.
func (c *Collector) CollectChunks(ctx context.Context, ids []string) (map[string][]byte, error) {
	return c.Coordinator.CollectChunks(ctx, c.Local, c.Remote, ids)
}

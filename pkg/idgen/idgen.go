package idgen

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

var (
	node     *snowflake.Node
	initOnce sync.Once
	initErr  error
)

// exportKeyNamespace scopes the name-based UUIDs used as export keys.
var exportKeyNamespace = uuid.MustParse("6f0c2f8e-3f7a-4b4e-9a55-2d1f4c8b7e10")

// Init configures the process-wide snowflake node. Worker ids must be
// unique per running instance (0-1023).
func Init(workerID int64) error {
	initOnce.Do(func() {
		node, initErr = snowflake.NewNode(workerID)
	})
	return initErr
}

// next returns a new snowflake id, initialising worker 1 on first use.
func next() snowflake.ID {
	if err := Init(1); err != nil {
		panic(err)
	}
	return node.Generate()
}

// GenerateBatchNo formats a batch number such as EXB20250201-1F3K9QZ2XW8S.
func GenerateBatchNo(now time.Time) string {
	return fmt.Sprintf("EXB%s-%s", now.UTC().Format("20060102"), strings.ToUpper(next().Base36()))
}

// ExportKey is the idempotency key the ERP de-duplicates on. It depends
// only on the source row, so every pull, export and re-export of that row
// carries the same key.
func ExportKey(sourceType, sourceID string) string {
	return uuid.NewSHA1(exportKeyNamespace, []byte(sourceType+":"+sourceID)).String()
}

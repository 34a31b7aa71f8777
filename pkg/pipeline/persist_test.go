package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/threadline/pkg/checkpoint"
	"github.com/dotsetgreg/threadline/pkg/transcript"
)

func TestPersistPool_KeepsTurnOrderAcrossWorkers(t *testing.T) {
	log, err := transcript.NewLog(filepath.Join(t.TempDir(), "transcript.db"), nil)
	require.NoError(t, err)
	defer log.Close()

	pool := newPersistPool(log, 8)
	const turns = 60
	for i := 0; i < turns; i++ {
		pool.enqueue(persistJob{threadID: "t-1", records: []persistRecord{
			{role: checkpoint.RoleUser, content: fmt.Sprintf("question %d", i)},
			{role: checkpoint.RoleAssistant, content: fmt.Sprintf("answer %d", i)},
		}})
	}
	pool.Close()

	records, err := log.History(context.Background(), "t-1", 0)
	require.NoError(t, err)
	require.Len(t, records, 2*turns)

	pos := make(map[string]int, len(records))
	for i, rec := range records {
		pos[rec.Content] = i
	}
	for i := 0; i < turns; i++ {
		q := pos[fmt.Sprintf("question %d", i)]
		a := pos[fmt.Sprintf("answer %d", i)]
		require.Less(t, q, a, "turn %d: user record must precede its reply", i)
	}
}

package cmd

import (
	"bytes"
	"context"
	"testing"

	"bigxfer/internal/checkpoint"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededStore(t *testing.T) checkpoint.Store {
	t.Helper()
	store := checkpoint.NewMemoryStore()
	ctx := context.Background()
	for _, rec := range []checkpoint.Record{
		{Role: checkpoint.RoleSend, FileID: "a", FileName: "a.iso", FileSize: 1 << 30, LastCheckpoint: 2},
		{Role: checkpoint.RoleReceive, FileID: "a", FileName: "a.iso", FileSize: 1 << 30, LastCheckpoint: 2, BytesTransferred: 768 << 20},
		{Role: checkpoint.RoleReceive, FileID: "b", FileName: "b.bin", FileSize: 10, LastCheckpoint: 0, BytesTransferred: 10},
	} {
		require.NoError(t, store.Save(ctx, rec))
	}
	return store
}

func TestClearTargets(t *testing.T) {
	tests := []struct {
		name  string
		flags checkpointFlags
		want  int
	}{
		{"both roles", checkpointFlags{FileID: "a"}, 2},
		{"one role", checkpointFlags{FileID: "a", Role: "receive"}, 1},
		{"unknown id", checkpointFlags{FileID: "zzz"}, 0},
		{"all", checkpointFlags{All: true}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cpFlags = tt.flags
			t.Cleanup(func() { cpFlags = checkpointFlags{} })

			got, err := clearTargets(context.Background(), seededStore(t))
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestPrintRecords(t *testing.T) {
	records, err := seededStore(t).List(context.Background())
	require.NoError(t, err)

	var out bytes.Buffer
	printRecords(&out, records)
	assert.Contains(t, out.String(), "ROLE")
	assert.Contains(t, out.String(), "a.iso")
	assert.Contains(t, out.String(), "cp 2 (768.0 MiB)")

	out.Reset()
	printRecords(&out, nil)
	assert.Equal(t, "No resumable transfers\n", out.String())
}

package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuditLedgerRecordAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	ledger, err := OpenAuditLedger(path)
	require.NoError(t, err)
	defer ledger.Close()

	require.NoError(t, ledger.RecordTransfer("mydb", 0, "a.sst", 0, 1024, false, ""))
	require.NoError(t, ledger.RecordTransfer("mydb", 0, "a.sst", 1024, 512, true, "deadbeef"))

	recent, err := ledger.RecentTransfers(10)
	require.NoError(t, err)
	require.Equal(t, []string{"a.sst", "a.sst"}, recent)
}

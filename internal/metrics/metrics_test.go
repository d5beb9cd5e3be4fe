package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ledgerCount(t *testing.T, kind, path, result string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, ledgerTotal.WithLabelValues(kind, path, result).Write(m))
	return m.GetCounter().GetValue()
}

func TestRecordLedgerLabelsMissingKind(t *testing.T) {
	before := ledgerCount(t, "unknown", "atomic", "not_found")

	RecordLedger("", "atomic", "not_found")

	assert.Equal(t, before+1, ledgerCount(t, "unknown", "atomic", "not_found"))
	assert.Zero(t, ledgerCount(t, "", "atomic", "not_found"))
}

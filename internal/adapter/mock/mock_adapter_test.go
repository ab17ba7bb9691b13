package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/momo-confirm/internal/adapter"
)

func TestNewMockSource(t *testing.T) {
	mock := NewMockSource("test_mock")
	require.NotNil(t, mock)
	assert.Equal(t, "test_mock", mock.GetName())
	assert.Equal(t, 0, mock.Calls())
}

func TestMockSource_Query_DefaultBehavior(t *testing.T) {
	mock := NewMockSource(adapter.SourceGateway)

	report, err := mock.Query(context.Background(), adapter.Query{TransactionRef: "ws_1"})
	require.NoError(t, err)
	assert.Equal(t, adapter.SourceGateway, report.Source)
	assert.Equal(t, 200, report.HTTPStatus)
	assert.NotContains(t, report.Fields, "ResultCode")
	assert.Equal(t, "The transaction is being processed", report.Fields["ResultDesc"])
	assert.NotEmpty(t, report.RawResponse)
	assert.Equal(t, 1, mock.Calls())
	assert.Equal(t, []adapter.Query{{TransactionRef: "ws_1"}}, mock.Queries())
}

func TestMockSource_Query_WithCustomFunc_Error(t *testing.T) {
	mock := NewMockSource("custom_mock_error")
	expectedError := fmt.Errorf("connection refused")
	mock.QueryFunc = func(ctx context.Context, q adapter.Query) (adapter.StatusReport, error) {
		return adapter.StatusReport{Source: mock.GetName()}, expectedError
	}

	_, err := mock.Query(context.Background(), adapter.Query{TransactionRef: "ws_2"})
	require.Error(t, err)
	assert.Equal(t, expectedError, err)
	assert.Equal(t, 1, mock.Calls())
}

func TestReport_KeepsNumbersAsJSONNumber(t *testing.T) {
	report := Report(adapter.SourceGateway, map[string]interface{}{"ResultCode": 0})
	code, ok := report.Fields["ResultCode"].(json.Number)
	require.True(t, ok)
	assert.Equal(t, "0", code.String())
}

func TestSimulated(t *testing.T) {
	fn := Simulated(adapter.SourceGateway, 2, "0", "Success", 0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		r, err := fn(ctx, adapter.Query{TransactionRef: "ws_1"})
		require.NoError(t, err)
		assert.NotContains(t, r.Fields, "ResultCode")
	}
	r, err := fn(ctx, adapter.Query{TransactionRef: "ws_1"})
	require.NoError(t, err)
	assert.Equal(t, "0", r.Fields["ResultCode"])

	r, err = fn(ctx, adapter.Query{TransactionRef: "ws_other"})
	require.NoError(t, err)
	assert.NotContains(t, r.Fields, "ResultCode", "counts are per transaction reference")
}

func TestSimulated_HonoursContext(t *testing.T) {
	fn := Simulated(adapter.SourceGateway, 0, "0", "Success", time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fn(ctx, adapter.Query{TransactionRef: "ws_1"})
	assert.ErrorIs(t, err, context.Canceled)
}

package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/candle-sync/internal/database"
	"github.com/irfndi/candle-sync/internal/exchange"
	"github.com/irfndi/candle-sync/internal/models"
	"github.com/irfndi/candle-sync/internal/services"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// newRouter registers one handler on a fresh test router.
func newRouter(method, path string, handler gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Handle(method, path, handler)
	return r
}

func perform(r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

type MockHealthChecker struct {
	mock.Mock
}

func (m *MockHealthChecker) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockRealtimeCounter struct {
	mock.Mock
}

func (m *MockRealtimeCounter) SubscriptionCount() int {
	return m.Called().Int(0)
}

func (m *MockRealtimeCounter) ConnectedCount() int {
	return m.Called().Int(0)
}

type MockHistorySyncer struct {
	mock.Mock
}

func (m *MockHistorySyncer) SyncRange(ctx context.Context, symbolID int64, interval models.Interval, start, end time.Time) (*services.SyncResult, error) {
	args := m.Called(ctx, symbolID, interval, start, end)
	if r, ok := args.Get(0).(*services.SyncResult); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockHistorySyncer) SyncIncremental(ctx context.Context, symbolID int64, interval models.Interval) (*services.SyncResult, error) {
	args := m.Called(ctx, symbolID, interval)
	if r, ok := args.Get(0).(*services.SyncResult); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

type MockRealtimeManager struct {
	mock.Mock
}

func (m *MockRealtimeManager) StartRealtimeSync(ctx context.Context, symbolID int64) ([]services.SubscriptionInfo, error) {
	args := m.Called(ctx, symbolID)
	subs, _ := args.Get(0).([]services.SubscriptionInfo)
	return subs, args.Error(1)
}

func (m *MockRealtimeManager) StopRealtimeSync(symbolID int64) int {
	return m.Called(symbolID).Int(0)
}

func (m *MockRealtimeManager) Subscriptions() []services.SubscriptionInfo {
	subs, _ := m.Called().Get(0).([]services.SubscriptionInfo)
	return subs
}

type MockTaskReader struct {
	mock.Mock
}

func (m *MockTaskReader) Get(ctx context.Context, id int64) (*models.SyncTask, error) {
	args := m.Called(ctx, id)
	if task, ok := args.Get(0).(*models.SyncTask); ok {
		return task, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTaskReader) List(ctx context.Context, filter models.TaskFilter) ([]models.SyncTask, error) {
	args := m.Called(ctx, filter)
	tasks, _ := args.Get(0).([]models.SyncTask)
	return tasks, args.Error(1)
}

type MockStatusReader struct {
	mock.Mock
}

func (m *MockStatusReader) Status(ctx context.Context, symbolID int64) ([]models.SyncStatus, error) {
	args := m.Called(ctx, symbolID)
	statuses, _ := args.Get(0).([]models.SyncStatus)
	return statuses, args.Error(1)
}

type MockGapDetector struct {
	mock.Mock
}

func (m *MockGapDetector) DetectSymbol(ctx context.Context, symbolID int64, interval string) ([]services.DetectResult, error) {
	args := m.Called(ctx, symbolID, interval)
	results, _ := args.Get(0).([]services.DetectResult)
	return results, args.Error(1)
}

func (m *MockGapDetector) DetectAll(ctx context.Context) (*services.DetectAllSummary, error) {
	args := m.Called(ctx)
	if s, ok := args.Get(0).(*services.DetectAllSummary); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockGapDetector) ListGaps(ctx context.Context, filter models.GapFilter) ([]models.DataGap, error) {
	args := m.Called(ctx, filter)
	gaps, _ := args.Get(0).([]models.DataGap)
	return gaps, args.Error(1)
}

func (m *MockGapDetector) GetGap(ctx context.Context, id int64) (*models.DataGap, error) {
	args := m.Called(ctx, id)
	if g, ok := args.Get(0).(*models.DataGap); ok {
		return g, args.Error(1)
	}
	return nil, args.Error(1)
}

type MockGapFiller struct {
	mock.Mock
}

func (m *MockGapFiller) Fill(ctx context.Context, gapID int64) (*services.FillResult, error) {
	args := m.Called(ctx, gapID)
	if r, ok := args.Get(0).(*services.FillResult); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockGapFiller) BatchFill(ctx context.Context, gapIDs []int64) (*services.BatchFillResult, error) {
	args := m.Called(ctx, gapIDs)
	if r, ok := args.Get(0).(*services.BatchFillResult); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockGapFiller) AutoFill(ctx context.Context) (*services.BatchFillResult, error) {
	args := m.Called(ctx)
	if r, ok := args.Get(0).(*services.BatchFillResult); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockGapFiller) ResetFailed(ctx context.Context, gapID int64) (*models.DataGap, error) {
	args := m.Called(ctx, gapID)
	if g, ok := args.Get(0).(*models.DataGap); ok {
		return g, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockGapFiller) SetAutoGapFill(ctx context.Context, symbolID int64, interval models.Interval, enabled bool) error {
	return m.Called(ctx, symbolID, interval, enabled).Error(0)
}

type MockConfigManager struct {
	mock.Mock
}

func (m *MockConfigManager) Snapshot() *services.Snapshot {
	snap, _ := m.Called().Get(0).(*services.Snapshot)
	return snap
}

func (m *MockConfigManager) Update(ctx context.Context, key, value string) error {
	return m.Called(ctx, key, value).Error(0)
}

type MockJobScheduler struct {
	mock.Mock
}

func (m *MockJobScheduler) Jobs() []services.JobInfo {
	jobs, _ := m.Called().Get(0).([]services.JobInfo)
	return jobs
}

func (m *MockJobScheduler) Refresh(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type MockKlineStore struct {
	mock.Mock
}

func (m *MockKlineStore) Query(ctx context.Context, series models.Series, start, end time.Time, limit int) ([]models.Candle, error) {
	args := m.Called(ctx, series, start, end, limit)
	candles, _ := args.Get(0).([]models.Candle)
	return candles, args.Error(1)
}

func (m *MockKlineStore) DeleteSeries(ctx context.Context, series models.Series) (database.DeleteResult, error) {
	args := m.Called(ctx, series)
	return args.Get(0).(database.DeleteResult), args.Error(1)
}

func (m *MockKlineStore) DeleteRange(ctx context.Context, series models.Series, start, end time.Time) (database.DeleteResult, error) {
	args := m.Called(ctx, series, start, end)
	return args.Get(0).(database.DeleteResult), args.Error(1)
}

func (m *MockKlineStore) DeleteSymbol(ctx context.Context, symbolID int64) (database.DeleteResult, error) {
	args := m.Called(ctx, symbolID)
	return args.Get(0).(database.DeleteResult), args.Error(1)
}

// MockCleanupService mocks the CleanupService
type MockCleanupService struct {
	mock.Mock
}

func (m *MockCleanupService) Stats(ctx context.Context) (*services.CleanupStats, error) {
	args := m.Called(ctx)
	if s, ok := args.Get(0).(*services.CleanupStats); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockCleanupService) RunCleanup(ctx context.Context) (*services.CleanupResult, error) {
	args := m.Called(ctx)
	if r, ok := args.Get(0).(*services.CleanupResult); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

type MockConnectionTester struct {
	mock.Mock
}

func (m *MockConnectionTester) TestConnection(ctx context.Context, dataSourceID int64) (*exchange.ConnectionResult, error) {
	args := m.Called(ctx, dataSourceID)
	if r, ok := args.Get(0).(*exchange.ConnectionResult); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

package handlers

import (
	"net/http"
	"testing"
	"time"

	"github.com/irfndi/candle-sync/internal/exchange"
	"github.com/irfndi/candle-sync/internal/models"
	"github.com/irfndi/candle-sync/internal/services"
	"github.com/irfndi/candle-sync/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type syncMocks struct {
	history  *MockHistorySyncer
	realtime *MockRealtimeManager
	tasks    *MockTaskReader
	status   *MockStatusReader
	handler  *SyncHandler
}

func newSyncMocks() *syncMocks {
	m := &syncMocks{
		history:  &MockHistorySyncer{},
		realtime: &MockRealtimeManager{},
		tasks:    &MockTaskReader{},
		status:   &MockStatusReader{},
	}
	m.handler = NewSyncHandler(m.history, m.realtime, m.tasks, m.status)
	return m
}

func TestSyncHandler_SyncHistory(t *testing.T) {
	m := newSyncMocks()
	end := t0.Add(24 * time.Hour)
	m.history.On("SyncRange", mock.Anything, int64(7), models.Interval1h, t0, end).
		Return(&services.SyncResult{TaskID: 3, Segments: 1, Inserted: 24, Synced: 24}, nil)

	r := newRouter(http.MethodPost, "/sync/history", m.handler.SyncHistory)
	w := perform(r, http.MethodPost, "/sync/history",
		`{"symbol_id":7,"interval":"1h","start":"2024-01-01T00:00:00Z","end":"2024-01-02T00:00:00Z"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(3), body["task_id"])
	assert.Equal(t, float64(24), body["inserted"])
	m.history.AssertExpectations(t)
}

func TestSyncHandler_SyncHistory_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing fields", `{"symbol_id":7}`},
		{"malformed json", `{"symbol_id":`},
		{"bad interval", `{"symbol_id":7,"interval":"7m","start":"2024-01-01T00:00:00Z","end":"2024-01-02T00:00:00Z"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newSyncMocks()
			r := newRouter(http.MethodPost, "/sync/history", m.handler.SyncHistory)
			w := perform(r, http.MethodPost, "/sync/history", tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.NotEmpty(t, decodeBody(t, w)["error"])
			m.history.AssertNotCalled(t, "SyncRange")
		})
	}
}

func TestSyncHandler_SyncHistory_ServiceErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"range validation", utils.NewValidationError("start must be before end"), http.StatusBadRequest},
		{"unknown symbol", utils.NewNotFoundError("symbol", 7), http.StatusNotFound},
		{"exchange failure", &exchange.TransportError{Op: "klines", StatusCode: 503, Message: "unavailable"}, http.StatusBadGateway},
		{"storage failure", assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newSyncMocks()
			m.history.On("SyncRange", mock.Anything, int64(7), models.Interval1h, mock.Anything, mock.Anything).
				Return(nil, tt.err)

			r := newRouter(http.MethodPost, "/sync/history", m.handler.SyncHistory)
			w := perform(r, http.MethodPost, "/sync/history",
				`{"symbol_id":7,"interval":"1h","start":"2024-01-01T00:00:00Z","end":"2024-01-02T00:00:00Z"}`)

			assert.Equal(t, tt.status, w.Code)
			assert.NotEmpty(t, decodeBody(t, w)["error"])
		})
	}
}

func TestSyncHandler_SyncIncremental(t *testing.T) {
	m := newSyncMocks()
	m.history.On("SyncIncremental", mock.Anything, int64(7), models.Interval5m).
		Return(&services.SyncResult{TaskID: 9, Synced: 12}, nil)

	r := newRouter(http.MethodPost, "/sync/history/incremental", m.handler.SyncIncremental)
	w := perform(r, http.MethodPost, "/sync/history/incremental", `{"symbol_id":7,"interval":"5m"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(12), decodeBody(t, w)["synced"])
	m.history.AssertExpectations(t)
}

func TestSyncHandler_StartStopRealtime(t *testing.T) {
	m := newSyncMocks()
	subs := []services.SubscriptionInfo{
		{Key: services.SubscriptionKey{SymbolID: 7, Interval: models.Interval1m}, Symbol: "BTCUSDT"},
		{Key: services.SubscriptionKey{SymbolID: 7, Interval: models.Interval1h}, Symbol: "BTCUSDT"},
	}
	m.realtime.On("StartRealtimeSync", mock.Anything, int64(7)).Return(subs, nil)
	m.realtime.On("StopRealtimeSync", int64(7)).Return(2)

	start := newRouter(http.MethodPost, "/realtime/:symbolId/start", m.handler.StartRealtime)
	w := perform(start, http.MethodPost, "/realtime/7/start", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody(t, w)["subscriptions"], 2)

	stop := newRouter(http.MethodPost, "/realtime/:symbolId/stop", m.handler.StopRealtime)
	w = perform(stop, http.MethodPost, "/realtime/7/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decodeBody(t, w)["closed"])

	m.realtime.AssertExpectations(t)
}

func TestSyncHandler_StartRealtime_Disabled(t *testing.T) {
	m := newSyncMocks()
	m.realtime.On("StartRealtimeSync", mock.Anything, int64(7)).
		Return(nil, utils.NewValidationError("realtime sync is disabled"))

	r := newRouter(http.MethodPost, "/realtime/:symbolId/start", m.handler.StartRealtime)
	w := perform(r, http.MethodPost, "/realtime/7/start", "")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "realtime sync is disabled", decodeBody(t, w)["error"])
}

func TestSyncHandler_ListSubscriptions(t *testing.T) {
	m := newSyncMocks()
	m.realtime.On("Subscriptions").Return([]services.SubscriptionInfo{{Symbol: "ETHUSDT"}})

	r := newRouter(http.MethodGet, "/realtime/subscriptions", m.handler.ListSubscriptions)
	w := perform(r, http.MethodGet, "/realtime/subscriptions", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["count"])
}

func TestSyncHandler_Tasks(t *testing.T) {
	m := newSyncMocks()
	filter := models.TaskFilter{SymbolID: 7, Status: models.TaskFailed, Limit: 5}
	m.tasks.On("List", mock.Anything, filter).Return([]models.SyncTask{{ID: 1}, {ID: 2}}, nil)
	m.tasks.On("Get", mock.Anything, int64(2)).Return(&models.SyncTask{ID: 2}, nil)
	m.tasks.On("Get", mock.Anything, int64(99)).Return(nil, utils.NewNotFoundError("sync task", 99))

	list := newRouter(http.MethodGet, "/tasks", m.handler.ListTasks)
	w := perform(list, http.MethodGet, "/tasks?symbol_id=7&status=FAILED&limit=5", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decodeBody(t, w)["count"])

	get := newRouter(http.MethodGet, "/tasks/:id", m.handler.GetTask)
	assert.Equal(t, http.StatusOK, perform(get, http.MethodGet, "/tasks/2", "").Code)
	assert.Equal(t, http.StatusNotFound, perform(get, http.MethodGet, "/tasks/99", "").Code)

	m.tasks.AssertExpectations(t)
}

func TestSyncHandler_ListStatus(t *testing.T) {
	m := newSyncMocks()
	m.status.On("Status", mock.Anything, int64(0)).Return([]models.SyncStatus{{SymbolID: 1}, {SymbolID: 2}}, nil)
	m.status.On("Status", mock.Anything, int64(7)).Return([]models.SyncStatus{{SymbolID: 7}}, nil)

	r := newRouter(http.MethodGet, "/status", m.handler.ListStatus)
	assert.Equal(t, float64(2), decodeBody(t, perform(r, http.MethodGet, "/status", ""))["count"])
	assert.Equal(t, float64(1), decodeBody(t, perform(r, http.MethodGet, "/status?symbol_id=7", ""))["count"])
	m.status.AssertExpectations(t)
}

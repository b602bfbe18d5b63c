package handlers

import (
	"net/http"
	"testing"

	"github.com/irfndi/candle-sync/internal/exchange"
	"github.com/irfndi/candle-sync/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newTestHealthHandler(db, redis HealthChecker, realtime RealtimeCounter) *HealthHandler {
	h := NewHealthHandler(db, redis, realtime)
	h.hostStats = func() HostStats {
		return HostStats{CPUPercent: 12.5, MemoryPercent: 40}
	}
	return h
}

func TestNewHealthHandler(t *testing.T) {
	mockDB := &MockHealthChecker{}
	mockRedis := &MockHealthChecker{}

	handler := NewHealthHandler(mockDB, mockRedis, nil)

	assert.NotNil(t, handler)
	assert.Equal(t, mockDB, handler.db)
	assert.Equal(t, mockRedis, handler.redis)
	assert.NotNil(t, handler.hostStats)
}

func TestHealthHandler_HealthCheck(t *testing.T) {
	tests := []struct {
		name           string
		dbError        error
		redisError     error
		expectedStatus int
		expectedState  string
	}{
		{
			name:           "all services healthy",
			expectedStatus: http.StatusOK,
			expectedState:  "healthy",
		},
		{
			name:           "database unhealthy",
			dbError:        assert.AnError,
			expectedStatus: http.StatusServiceUnavailable,
			expectedState:  "unhealthy",
		},
		{
			name:           "redis unhealthy",
			redisError:     assert.AnError,
			expectedStatus: http.StatusServiceUnavailable,
			expectedState:  "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockDB := &MockHealthChecker{}
			mockRedis := &MockHealthChecker{}
			realtime := &MockRealtimeCounter{}
			mockDB.On("HealthCheck", mock.Anything).Return(tt.dbError)
			mockRedis.On("HealthCheck", mock.Anything).Return(tt.redisError)
			realtime.On("SubscriptionCount").Return(6)
			realtime.On("ConnectedCount").Return(5)

			handler := newTestHealthHandler(mockDB, mockRedis, realtime)
			r := newRouter(http.MethodGet, "/health", handler.HealthCheck)
			w := perform(r, http.MethodGet, "/health", "")

			assert.Equal(t, tt.expectedStatus, w.Code)
			body := decodeBody(t, w)
			assert.Equal(t, tt.expectedState, body["status"])

			rt := body["realtime"].(map[string]interface{})
			assert.Equal(t, float64(6), rt["subscriptions"])
			assert.Equal(t, float64(5), rt["connected"])
			host := body["host"].(map[string]interface{})
			assert.Equal(t, 12.5, host["cpu_percent"])

			mockDB.AssertExpectations(t)
			mockRedis.AssertExpectations(t)
		})
	}
}

func TestHealthHandler_HealthCheck_NotConfigured(t *testing.T) {
	handler := newTestHealthHandler(nil, nil, nil)
	r := newRouter(http.MethodGet, "/health", handler.HealthCheck)
	w := perform(r, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decodeBody(t, w)
	services := body["services"].(map[string]interface{})
	assert.Equal(t, "unhealthy: not configured", services["database"])
	assert.Nil(t, body["realtime"])
	assert.Nil(t, body["exchange"])
}

func TestHealthHandler_HealthCheck_ExchangeStats(t *testing.T) {
	mockDB := &MockHealthChecker{}
	mockDB.On("HealthCheck", mock.Anything).Return(nil)

	handler := newTestHealthHandler(mockDB, mockDB, nil).WithExchangeStats(
		func() map[int64]exchange.LimiterStats {
			return map[int64]exchange.LimiterStats{1: {MaxWeight: 6000, UsedWeight: 42}}
		},
		func() map[string]services.CircuitBreakerStats {
			return map[string]services.CircuitBreakerStats{"datasource:1": {State: "open"}}
		},
	)
	r := newRouter(http.MethodGet, "/health", handler.HealthCheck)
	w := perform(r, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	ex := decodeBody(t, w)["exchange"].(map[string]interface{})
	limits := ex["rate_limits"].(map[string]interface{})
	assert.Equal(t, float64(42), limits["1"].(map[string]interface{})["used_weight"])
	breakers := ex["breakers"].(map[string]interface{})
	assert.Equal(t, "open", breakers["datasource:1"].(map[string]interface{})["state"])
}

func TestHealthHandler_ReadinessCheck(t *testing.T) {
	mockDB := &MockHealthChecker{}
	mockDB.On("HealthCheck", mock.Anything).Return(nil).Once()
	mockDB.On("HealthCheck", mock.Anything).Return(assert.AnError).Once()

	handler := newTestHealthHandler(mockDB, nil, nil)
	r := newRouter(http.MethodGet, "/ready", handler.ReadinessCheck)

	w := perform(r, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["ready"])

	w = perform(r, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["ready"])
}

func TestHealthHandler_LivenessCheck(t *testing.T) {
	handler := newTestHealthHandler(nil, nil, nil)
	r := newRouter(http.MethodGet, "/live", handler.LivenessCheck)
	w := perform(r, http.MethodGet, "/live", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alive", decodeBody(t, w)["status"])
}

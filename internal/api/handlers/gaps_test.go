package handlers

import (
	"net/http"
	"testing"

	"github.com/irfndi/candle-sync/internal/models"
	"github.com/irfndi/candle-sync/internal/services"
	"github.com/irfndi/candle-sync/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newGapMocks() (*MockGapDetector, *MockGapFiller, *GapHandler) {
	detector := &MockGapDetector{}
	filler := &MockGapFiller{}
	return detector, filler, NewGapHandler(detector, filler)
}

func TestGapHandler_DetectAll(t *testing.T) {
	detector, _, handler := newGapMocks()
	detector.On("DetectAll", mock.Anything).
		Return(&services.DetectAllSummary{SymbolCount: 2, IntervalCount: 3, NewGapCount: 1, TotalGapCount: 4}, nil)

	r := newRouter(http.MethodPost, "/gaps/detect", handler.DetectGaps)
	w := perform(r, http.MethodPost, "/gaps/detect", "")

	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(1), body["new_gap_count"])
	assert.Equal(t, float64(4), body["total_gap_count"])
	detector.AssertExpectations(t)
}

func TestGapHandler_DetectSymbol(t *testing.T) {
	detector, _, handler := newGapMocks()
	detector.On("DetectSymbol", mock.Anything, int64(7), "1h").Return([]services.DetectResult{
		{Series: models.Series{SymbolID: 7, Interval: models.Interval1h}, Found: 2, Inserted: 1},
	}, nil)

	r := newRouter(http.MethodPost, "/gaps/detect", handler.DetectGaps)
	w := perform(r, http.MethodPost, "/gaps/detect", `{"symbol_id":7,"interval":"1h"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(2), body["found"])
	assert.Equal(t, float64(1), body["inserted"])
	detector.AssertNotCalled(t, "DetectAll", mock.Anything)
}

func TestGapHandler_DetectIntervalWithoutSymbol(t *testing.T) {
	detector, _, handler := newGapMocks()
	r := newRouter(http.MethodPost, "/gaps/detect", handler.DetectGaps)
	w := perform(r, http.MethodPost, "/gaps/detect", `{"interval":"1h"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	detector.AssertNotCalled(t, "DetectAll", mock.Anything)
}

func TestGapHandler_ListAndGet(t *testing.T) {
	detector, _, handler := newGapMocks()
	filter := models.GapFilter{SymbolID: 7, Interval: "1h", Status: models.GapPending}
	detector.On("ListGaps", mock.Anything, filter).Return([]models.DataGap{{ID: 1}, {ID: 2}}, nil)
	detector.On("GetGap", mock.Anything, int64(1)).Return(&models.DataGap{ID: 1, Status: models.GapPending}, nil)
	detector.On("GetGap", mock.Anything, int64(5)).Return(nil, utils.NewNotFoundError("gap", 5))

	list := newRouter(http.MethodGet, "/gaps", handler.ListGaps)
	w := perform(list, http.MethodGet, "/gaps?symbol_id=7&interval=1h&status=PENDING", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decodeBody(t, w)["count"])

	get := newRouter(http.MethodGet, "/gaps/:id", handler.GetGap)
	w = perform(get, http.MethodGet, "/gaps/1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PENDING", decodeBody(t, w)["status"])
	assert.Equal(t, http.StatusNotFound, perform(get, http.MethodGet, "/gaps/5", "").Code)

	detector.AssertExpectations(t)
}

func TestGapHandler_FillGap(t *testing.T) {
	_, filler, handler := newGapMocks()
	filler.On("Fill", mock.Anything, int64(3)).
		Return(&services.FillResult{GapID: 3, Outcome: services.OutcomeFilled, Synced: 4}, nil)
	filler.On("Fill", mock.Anything, int64(4)).
		Return(nil, utils.NewValidationError("gap 4 is FILLED, only PENDING gaps can be filled"))

	r := newRouter(http.MethodPost, "/gaps/:id/fill", handler.FillGap)

	w := perform(r, http.MethodPost, "/gaps/3/fill", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "FILLED", decodeBody(t, w)["outcome"])

	w = perform(r, http.MethodPost, "/gaps/4/fill", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	filler.AssertExpectations(t)
}

func TestGapHandler_BatchFill(t *testing.T) {
	_, filler, handler := newGapMocks()
	filler.On("BatchFill", mock.Anything, []int64{1, 2}).
		Return(&services.BatchFillResult{SuccessCount: 1, FailureCount: 1}, nil)

	r := newRouter(http.MethodPost, "/gaps/batch-fill", handler.BatchFill)

	w := perform(r, http.MethodPost, "/gaps/batch-fill", `{"gap_ids":[1,2]}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["failure_count"])

	assert.Equal(t, http.StatusBadRequest, perform(r, http.MethodPost, "/gaps/batch-fill", `{"gap_ids":[]}`).Code)
	filler.AssertNumberOfCalls(t, "BatchFill", 1)
}

func TestGapHandler_ResetGap(t *testing.T) {
	_, filler, handler := newGapMocks()
	filler.On("ResetFailed", mock.Anything, int64(8)).Return(&models.DataGap{ID: 8, Status: models.GapPending}, nil)

	r := newRouter(http.MethodPost, "/gaps/:id/reset", handler.ResetGap)
	w := perform(r, http.MethodPost, "/gaps/8/reset", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PENDING", decodeBody(t, w)["status"])
}

func TestGapHandler_AutoFill(t *testing.T) {
	_, filler, handler := newGapMocks()
	filler.On("AutoFill", mock.Anything).Return(&services.BatchFillResult{Disabled: true}, nil)

	r := newRouter(http.MethodPost, "/gaps/auto-fill", handler.AutoFill)
	w := perform(r, http.MethodPost, "/gaps/auto-fill", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["disabled"])
}

func TestGapHandler_SetAutoGapFill(t *testing.T) {
	_, filler, handler := newGapMocks()
	filler.On("SetAutoGapFill", mock.Anything, int64(7), models.Interval1h, false).Return(nil)

	r := newRouter(http.MethodPut, "/gaps/auto-fill/:symbolId/:interval", handler.SetAutoGapFill)

	w := perform(r, http.MethodPut, "/gaps/auto-fill/7/1h", `{"enabled":false}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["enabled"])

	assert.Equal(t, http.StatusBadRequest, perform(r, http.MethodPut, "/gaps/auto-fill/7/1h", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, perform(r, http.MethodPut, "/gaps/auto-fill/7/9x", `{"enabled":true}`).Code)
	filler.AssertNumberOfCalls(t, "SetAutoGapFill", 1)
}

package services

import (
	"context"
	"time"

	"github.com/irfndi/candle-sync/internal/exchange"
	"github.com/irfndi/candle-sync/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	DefaultSegmentSpan = 30 * 24 * time.Hour
	DefaultPageLimit   = exchange.MaxKlineLimit
)

// candlePipeline fetches a time range in bounded segments and saves every
// page through the kline service. Backfill and gap fill share it.
type candlePipeline struct {
	klines    *KlineService
	segment   time.Duration
	pageLimit int
	logger    *logrus.Entry
}

func newCandlePipeline(klines *KlineService, segment time.Duration, pageLimit int, logger *logrus.Entry) *candlePipeline {
	if segment <= 0 {
		segment = DefaultSegmentSpan
	}
	if pageLimit <= 0 || pageLimit > exchange.MaxKlineLimit {
		pageLimit = DefaultPageLimit
	}
	return &candlePipeline{klines: klines, segment: segment, pageLimit: pageLimit, logger: logger}
}

// segmentCount is ceil((end-start)/segment), and at least one.
func (p *candlePipeline) segmentCount(start, end time.Time) int {
	span := end.Sub(start)
	if span <= 0 {
		return 1
	}
	n := int(span / p.segment)
	if span%p.segment != 0 {
		n++
	}
	return n
}

// segmentBounds returns segment k of [start, end]. Every segment after the
// first starts one millisecond after the previous one ends.
func (p *candlePipeline) segmentBounds(start, end time.Time, k int) (time.Time, time.Time) {
	from := start.Add(time.Duration(k) * p.segment)
	if k > 0 {
		from = from.Add(time.Millisecond)
	}
	to := start.Add(time.Duration(k+1) * p.segment)
	if to.After(end) {
		to = end
	}
	return from, to
}

// run syncs [start, end] sequentially. progress, when set, is called with
// the running total after each segment.
func (p *candlePipeline) run(ctx context.Context, client ExchangeClient, symbol string, series models.Series,
	start, end time.Time, progress func(synced int64)) (models.SaveResult, int, error) {

	var total models.SaveResult
	segments := p.segmentCount(start, end)

	for k := 0; k < segments; k++ {
		if err := ctx.Err(); err != nil {
			return total, k, err
		}
		from, to := p.segmentBounds(start, end, k)
		res, err := p.fetchSegment(ctx, client, symbol, series, from, to)
		total.Add(res)
		if err != nil {
			return total, k, err
		}
		if progress != nil {
			progress(total.Total())
		}
		p.logger.WithFields(logrus.Fields{
			"series":  series.String(),
			"segment": k + 1,
			"of":      segments,
			"synced":  res.Total(),
		}).Debug("Segment synced")
	}
	return total, segments, nil
}

func (p *candlePipeline) fetchSegment(ctx context.Context, client ExchangeClient, symbol string, series models.Series,
	from, to time.Time) (models.SaveResult, error) {

	var total models.SaveResult
	cursor := from
	for !cursor.After(to) {
		klines, err := client.GetKlines(ctx, symbol, series.Interval, cursor, to, p.pageLimit)
		if err != nil {
			return total, err
		}
		if len(klines) == 0 {
			break
		}

		res, err := p.klines.Save(ctx, series, exchange.Candles(series, klines))
		total.Add(res)
		if err != nil {
			return total, err
		}

		last := klines[len(klines)-1].OpenTime
		if len(klines) < p.pageLimit || !last.Before(to) {
			break
		}
		cursor = last.Add(time.Millisecond)
	}
	return total, nil
}

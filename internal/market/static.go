package market

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	apperrors "qlab/internal/errors"
)

// StaticSource serves a fixed in-memory series regardless of symbol. The
// last Limit candles are returned.
type StaticSource struct {
	Candles []Candle
}

func NewStaticSource(candles []Candle) *StaticSource {
	return &StaticSource{Candles: candles}
}

func (s *StaticSource) FetchCandles(ctx context.Context, req Request) ([]Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeCancelled, "fetch cancelled", err)
	}
	if len(s.Candles) == 0 {
		return nil, apperrors.Errorf(apperrors.ErrCodeDataUnavailable, "no candles for %s", req.Symbol)
	}
	candles := s.Candles
	if req.Limit > 0 && req.Limit < len(candles) {
		candles = candles[len(candles)-req.Limit:]
	}
	out := make([]Candle, len(candles))
	copy(out, candles)
	return out, nil
}

// LoadCSV reads rows of time,open,high,low,close,volume. The time column
// accepts RFC3339 or unix milliseconds. A header row is skipped.
func LoadCSV(r io.Reader) ([]Candle, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 6
	reader.TrimLeadingSpace = true

	var candles []Candle
	line := 0
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, apperrors.NewAppError(apperrors.ErrCodeDataUnavailable, "malformed csv", err)
		}
		if line == 1 && strings.EqualFold(rec[0], "time") {
			continue
		}

		ts, err := parseTime(rec[0])
		if err != nil {
			return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeDataUnavailable, "malformed csv time", "line "+strconv.Itoa(line), err)
		}
		var vals [5]float64
		for i := 0; i < 5; i++ {
			vals[i], err = strconv.ParseFloat(rec[i+1], 64)
			if err != nil {
				return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeDataUnavailable, "malformed csv number", "line "+strconv.Itoa(line), err)
			}
		}
		candles = append(candles, Candle{Time: ts, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4]})
	}

	if err := ValidateCandles(candles); err != nil {
		return nil, err
	}
	return candles, nil
}

func parseTime(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}

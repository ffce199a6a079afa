// Package oanda downloads candle history from the OANDA v20 REST API for
// backtests. It only reads instrument candles; no orders are sent.
package oanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rustyeddy/pyramid/internal/logging"
	"github.com/rustyeddy/pyramid/market"
)

const (
	// PracticeURL is the URL for OANDA's practice/demo environment
	PracticeURL = "https://api-fxpractice.oanda.com"
	// LiveURL is the URL for OANDA's live trading environment
	LiveURL = "https://api-fxtrade.oanda.com"

	// MaxCount is the most candles one request may return.
	MaxCount = 5000
)

// PriceComponent selects which side of the book candles are built from.
type PriceComponent string

const (
	MidPrice PriceComponent = "M"
	BidPrice PriceComponent = "B"
	AskPrice PriceComponent = "A"
)

var granularities = map[market.Timeframe]string{
	market.M1:  "M1",
	market.M5:  "M5",
	market.M15: "M15",
	market.M30: "M30",
	market.H1:  "H1",
	market.H4:  "H4",
	market.D1:  "D",
	market.W1:  "W",
	market.MN1: "M",
}

// Granularity maps tf to OANDA's granularity code.
func Granularity(tf market.Timeframe) (string, error) {
	g, ok := granularities[tf]
	if !ok {
		return "", fmt.Errorf("no OANDA granularity for %s", tf)
	}
	return g, nil
}

// BaseURL resolves "practice" or "live" to the API root.
func BaseURL(env string) (string, error) {
	switch env {
	case "", "practice":
		return PracticeURL, nil
	case "live":
		return LiveURL, nil
	default:
		return "", fmt.Errorf("unknown OANDA environment %q (want practice|live)", env)
	}
}

// APIError is a non-200 reply from the API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.Status, e.Message)
}

// Client fetches candles. The zero value is not usable; call NewClient.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *zap.Logger
}

type Option func(*Client)

func WithBaseURL(u string) Option { return func(c *Client) { c.baseURL = u } }

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.httpClient = h } }

func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

// NewClient creates a client for the practice environment unless
// WithBaseURL says otherwise.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    PracticeURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	c.log = logging.OrNop(c.log).With(zap.String("component", "oanda"))
	return c
}

// CandlesRequest asks for Count candles starting at From, or the candles
// in [From, To) when Count is zero.
type CandlesRequest struct {
	Instrument string
	Timeframe  market.Timeframe
	Price      PriceComponent
	From       time.Time
	To         time.Time
	Count      int
}

type ohlc struct {
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
}

type apiCandle struct {
	Complete bool   `json:"complete"`
	Volume   int    `json:"volume"`
	Time     string `json:"time"`
	Mid      *ohlc  `json:"mid,omitempty"`
	Bid      *ohlc  `json:"bid,omitempty"`
	Ask      *ohlc  `json:"ask,omitempty"`
}

type candlesResponse struct {
	Instrument  string      `json:"instrument"`
	Granularity string      `json:"granularity"`
	Candles     []apiCandle `json:"candles"`
}

// Candles fetches one page of complete candles. Incomplete (still forming)
// candles are dropped.
func (c *Client) Candles(ctx context.Context, req CandlesRequest) ([]market.Candle, error) {
	if req.Instrument == "" {
		return nil, fmt.Errorf("instrument is required")
	}
	if req.Count > MaxCount {
		return nil, fmt.Errorf("count cannot exceed %d", MaxCount)
	}
	gran, err := Granularity(req.Timeframe)
	if err != nil {
		return nil, err
	}
	if req.Price == "" {
		req.Price = MidPrice
	}

	params := url.Values{}
	params.Set("price", string(req.Price))
	params.Set("granularity", gran)
	if !req.From.IsZero() {
		params.Set("from", req.From.UTC().Format(time.RFC3339))
	}
	switch {
	case req.Count > 0:
		params.Set("count", strconv.Itoa(req.Count))
	case !req.To.IsZero():
		params.Set("to", req.To.UTC().Format(time.RFC3339))
	default:
		return nil, fmt.Errorf("provide a count or a time range")
	}

	apiURL := fmt.Sprintf("%s/v3/instruments/%s/candles?%s", c.baseURL, url.PathEscape(req.Instrument), params.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Accept-Datetime-Format", "RFC3339")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		var e struct {
			ErrorMessage string `json:"errorMessage"`
		}
		msg := string(body)
		if json.Unmarshal(body, &e) == nil && e.ErrorMessage != "" {
			msg = e.ErrorMessage
		}
		return nil, &APIError{Status: resp.StatusCode, Message: msg}
	}

	var apiResp candlesResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := make([]market.Candle, 0, len(apiResp.Candles))
	for _, ac := range apiResp.Candles {
		if !ac.Complete {
			continue
		}
		cd, err := toCandle(req.Instrument, req.Price, ac)
		if err != nil {
			return nil, err
		}
		out = append(out, cd)
	}
	return out, nil
}

func toCandle(instrument string, price PriceComponent, ac apiCandle) (market.Candle, error) {
	t, err := time.Parse(time.RFC3339Nano, ac.Time)
	if err != nil {
		return market.Candle{}, fmt.Errorf("parse time %s: %w", ac.Time, err)
	}
	var p *ohlc
	switch price {
	case BidPrice:
		p = ac.Bid
	case AskPrice:
		p = ac.Ask
	default:
		p = ac.Mid
	}
	if p == nil {
		return market.Candle{}, fmt.Errorf("candle %s has no %s prices", ac.Time, price)
	}

	var vals [4]float64
	for i, s := range []string{p.O, p.H, p.L, p.C} {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return market.Candle{}, fmt.Errorf("parse price %q at %s: %w", s, ac.Time, err)
		}
		vals[i] = d.InexactFloat64()
	}
	return market.Candle{
		Instrument: instrument,
		Time:       t.UTC(),
		Open:       vals[0],
		High:       vals[1],
		Low:        vals[2],
		Close:      vals[3],
		Volume:     float64(ac.Volume),
	}, nil
}

// ErrEmptyRange is returned by Download when from is not before to.
var ErrEmptyRange = errors.New("from must be before to")

// Download pages through [from, to) MaxCount candles at a time and hands
// each page to emit in time order. It returns the number of candles
// emitted.
func (c *Client) Download(ctx context.Context, instrument string, tf market.Timeframe, price PriceComponent,
	from, to time.Time, emit func([]market.Candle) error) (int, error) {
	if !from.Before(to) {
		return 0, ErrEmptyRange
	}
	total := 0
	cursor := from
	for cursor.Before(to) {
		page, err := c.Candles(ctx, CandlesRequest{
			Instrument: instrument,
			Timeframe:  tf,
			Price:      price,
			From:       cursor,
			Count:      MaxCount,
		})
		if err != nil {
			return total, err
		}

		keep := page[:0]
		for _, cd := range page {
			if !cd.Time.Before(cursor) && cd.Time.Before(to) {
				keep = append(keep, cd)
			}
		}
		if len(keep) == 0 {
			break
		}
		if err := emit(keep); err != nil {
			return total, err
		}
		total += len(keep)
		c.log.Debug("page downloaded",
			zap.String("instrument", instrument),
			zap.Time("from", keep[0].Time),
			zap.Int("candles", len(keep)))

		next := keep[len(keep)-1].Time.Add(tf.Duration())
		if !next.After(cursor) {
			break
		}
		cursor = next
	}
	return total, nil
}

package catalog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeengine/internal/models"
)

// masterRow is one line of the exchange master-contract CSV.
type masterRow struct {
	InstrumentToken string  `csv:"instrument_token"`
	ExchangeToken   string  `csv:"exchange_token"`
	TradingSymbol   string  `csv:"tradingsymbol"`
	Name            string  `csv:"name"`
	LastPrice       float64 `csv:"last_price"`
	Expiry          string  `csv:"expiry"`
	Strike          string  `csv:"strike"`
	TickSize        string  `csv:"tick_size"`
	LotSize         int     `csv:"lot_size"`
	InstrumentType  string  `csv:"instrument_type"`
	Segment         string  `csv:"segment"`
	Exchange        string  `csv:"exchange"`
}

type Refresher struct {
	Catalog  *Catalog
	HTTP     *http.Client
	URL      string
	Symbols  []string
	Exchange string
	Logger   *zap.Logger
}

type RefreshResult struct {
	Rows        int
	Instruments map[string]int
}

// Refresh downloads the master contract and rebuilds the catalog of every configured symbol.
func (r *Refresher) Refresh(ctx context.Context) (RefreshResult, error) {
	body, err := r.download(ctx)
	if err != nil {
		return RefreshResult{}, err
	}
	return r.Load(ctx, body)
}

// Load parses a master-contract CSV and writes the configured symbols.
func (r *Refresher) Load(ctx context.Context, body []byte) (RefreshResult, error) {
	var rows []*masterRow
	if err := gocsv.UnmarshalBytes(body, &rows); err != nil {
		return RefreshResult{}, fmt.Errorf("parse master contract: %w", err)
	}

	wanted := map[string][]models.Instrument{}
	for _, sym := range r.Symbols {
		wanted[strings.ToUpper(strings.TrimSpace(sym))] = nil
	}
	for _, row := range rows {
		name := strings.ToUpper(strings.TrimSpace(row.Name))
		if _, ok := wanted[name]; !ok {
			continue
		}
		if r.Exchange != "" && !strings.EqualFold(row.Exchange, r.Exchange) {
			continue
		}
		inst, ok := toInstrument(row)
		if !ok {
			continue
		}
		wanted[name] = append(wanted[name], inst)
	}

	result := RefreshResult{Rows: len(rows), Instruments: map[string]int{}}
	for sym, items := range wanted {
		if len(items) == 0 {
			if r.Logger != nil {
				r.Logger.Warn("catalog refresh found no instruments", zap.String("symbol", sym))
			}
			continue
		}
		if err := r.Catalog.Put(ctx, sym, items); err != nil {
			return result, fmt.Errorf("write catalog %s: %w", sym, err)
		}
		result.Instruments[sym] = len(items)
	}
	return result, nil
}

func toInstrument(row *masterRow) (models.Instrument, bool) {
	expiry, err := time.Parse(time.DateOnly, strings.TrimSpace(row.Expiry))
	if err != nil {
		return models.Instrument{}, false
	}
	tick, _ := decimal.NewFromString(strings.TrimSpace(row.TickSize))
	inst := models.Instrument{
		Token:         row.InstrumentToken,
		TradingSymbol: row.TradingSymbol,
		Name:          strings.ToUpper(row.Name),
		Exchange:      row.Exchange,
		Expiry:        expiry.Format(time.DateOnly),
		LotSize:       row.LotSize,
		TickSize:      tick,
	}
	switch strings.ToUpper(row.InstrumentType) {
	case "FUT":
		return inst, true
	case models.OptionCE, models.OptionPE:
		strike, err := decimal.NewFromString(strings.TrimSpace(row.Strike))
		if err != nil {
			return models.Instrument{}, false
		}
		inst.Strike = &strike
		inst.OptionType = strings.ToUpper(row.InstrumentType)
		return inst, true
	}
	return models.Instrument{}, false
}

func (r *Refresher) download(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	client := r.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("master contract download (%d): %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

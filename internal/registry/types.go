// Package registry manages symbol and schedule records: the per-symbol
// configuration both ingestion services are driven by.
package registry

import (
	"fmt"
	"strings"
	"time"
)

// Exchange identifies a listing venue. The set is closed.
type Exchange string

const (
	ExchangeNYSE   Exchange = "NYSE"
	ExchangeNASDAQ Exchange = "NASDAQ"
	ExchangeCME    Exchange = "CME"
	ExchangeEUREX  Exchange = "EUREX"
)

// ParseExchange validates an exchange name.
func ParseExchange(s string) (Exchange, error) {
	switch Exchange(strings.ToUpper(s)) {
	case ExchangeNYSE, ExchangeNASDAQ, ExchangeCME, ExchangeEUREX:
		return Exchange(strings.ToUpper(s)), nil
	}
	return "", fmt.Errorf("unknown exchange %q", s)
}

// SecurityKind identifies the instrument class.
type SecurityKind string

const (
	KindStock  SecurityKind = "stock"
	KindFuture SecurityKind = "future"
	KindOption SecurityKind = "option"
	KindIndex  SecurityKind = "index"
	KindForex  SecurityKind = "forex"
	KindCrypto SecurityKind = "crypto"
)

// ParseSecurityKind validates a security kind.
func ParseSecurityKind(s string) (SecurityKind, error) {
	switch SecurityKind(strings.ToLower(s)) {
	case KindStock, KindFuture, KindOption, KindIndex, KindForex, KindCrypto:
		return SecurityKind(strings.ToLower(s)), nil
	}
	return "", fmt.Errorf("unknown security kind %q", s)
}

// Symbol is one instrument the system services. Identity is
// (Symbol, Exchange). Deletion is soft: Active flips to false.
type Symbol struct {
	Symbol       string       `json:"symbol"`
	Exchange     Exchange     `json:"exchange"`
	SecurityType SecurityKind `json:"security_type"`
	Description  string       `json:"description"`
	Active       bool         `json:"active"`

	// HistoricalDays bounds the gap-fill depth, 1..365.
	HistoricalDays int `json:"historical_days"`
	// BackfillMinutes bounds the intraday tick backfill, 0..1440.
	BackfillMinutes int `json:"backfill_minutes"`

	AddedBy       string     `json:"added_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
	LastIngestion *time.Time `json:"last_ingestion,omitempty"`
}

// Validate checks the symbol invariants.
func (s *Symbol) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if _, err := ParseExchange(string(s.Exchange)); err != nil {
		return err
	}
	if _, err := ParseSecurityKind(string(s.SecurityType)); err != nil {
		return err
	}
	if s.HistoricalDays < 1 || s.HistoricalDays > 365 {
		return fmt.Errorf("historical_days %d out of range 1..365", s.HistoricalDays)
	}
	if s.BackfillMinutes < 0 || s.BackfillMinutes > 1440 {
		return fmt.Errorf("backfill_minutes %d out of range 0..1440", s.BackfillMinutes)
	}
	return nil
}

// Measurement returns the symbol-management measurement this record lives in.
func (s *Symbol) Measurement() string {
	return fmt.Sprintf("symbol_%s_%s", s.Exchange, s.SecurityType)
}

// SymbolRef is one desired-set entry.
type SymbolRef struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
}

// SymbolFilter narrows a registry search.
type SymbolFilter struct {
	Active        *bool
	Exchanges     []Exchange
	SecurityTypes []SecurityKind
	SearchText    string
	Limit         int
	Offset        int
}

// ScheduleKind distinguishes the two schedule flavors per symbol.
type ScheduleKind string

const (
	ScheduleHistorical ScheduleKind = "historical"
	ScheduleLive       ScheduleKind = "live"
)

// ParseScheduleKind validates a schedule kind.
func ParseScheduleKind(s string) (ScheduleKind, error) {
	switch ScheduleKind(strings.ToLower(s)) {
	case ScheduleHistorical, ScheduleLive:
		return ScheduleKind(strings.ToLower(s)), nil
	}
	return "", fmt.Errorf("unknown schedule kind %q", s)
}

// Schedule is one per-symbol schedule record. At most one exists per
// (symbol, kind); the id is always "<symbol>_<kind>".
type Schedule struct {
	ID             string                 `json:"id"`
	Symbol         string                 `json:"symbol"`
	ScheduleType   ScheduleKind           `json:"schedule_type"`
	CronExpression string                 `json:"cron_expression"`
	Enabled        bool                   `json:"enabled"`
	Config         map[string]interface{} `json:"config"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	LastRun        *time.Time             `json:"last_run,omitempty"`
	NextRun        *time.Time             `json:"next_run,omitempty"`
}

// Intervals returns the enabled timeframe codes from a historical schedule
// config, or nil when unset (meaning: all).
func (s *Schedule) Intervals() []string {
	raw, ok := s.Config["intervals"]
	if !ok {
		return nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, v := range list {
		if code, ok := v.(string); ok {
			out = append(out, code)
		}
	}
	return out
}

// AutoStop returns the auto_stop flag from a live schedule config.
func (s *Schedule) AutoStop() bool {
	v, ok := s.Config["auto_stop"].(bool)
	return ok && v
}

// SystemConfig is the system-wide ingestion configuration stored in the KV.
type SystemConfig struct {
	ScheduleHour   int `json:"schedule_hour"`
	ScheduleMinute int `json:"schedule_minute"`

	// TimeframesToFetch overrides the per-timeframe default depth in days,
	// still capped by the timeframe maxima.
	TimeframesToFetch map[string]int `json:"timeframes_to_fetch,omitempty"`
}

package interpreter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Date is a calendar date encoded as YYYY-MM-DD.
type Date struct {
	time.Time
}

func NewDate(year int, month time.Month, day int) *Date {
	return &Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func (d Date) String() string {
	return d.Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Format(dateLayout))
}

func (d *Date) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		return nil
	}
	parsed, err := time.Parse(dateLayout, raw)
	if err != nil {
		return fmt.Errorf("parse date %q: %w", raw, err)
	}
	d.Time = parsed
	return nil
}

// CommandRequest is the text submitted to the interpreter.
type CommandRequest struct {
	RawText string `json:"command"`
}

// SaleRecord is one row of the sales data backing a report.
type SaleRecord struct {
	ID           int64   `json:"id"`
	ProductName  string  `json:"productName"`
	Category     string  `json:"category"`
	SalesDate    *Date   `json:"salesDate,omitempty"`
	Quantity     int     `json:"quantity"`
	UnitPrice    float64 `json:"unitPrice"`
	TotalAmount  float64 `json:"totalAmount"`
	CustomerName string  `json:"customerName"`
	Region       string  `json:"region"`
}

// CommandResult is the outcome of one dispatch attempt. LocalFailure marks
// results synthesized on this side after a transport failure or timeout.
type CommandResult struct {
	Success            bool         `json:"success"`
	Message            string       `json:"message"`
	InterpretedCommand string       `json:"interpretedCommand,omitempty"`
	StartDate          *Date        `json:"startDate,omitempty"`
	EndDate            *Date        `json:"endDate,omitempty"`
	Category           string       `json:"category,omitempty"`
	Region             string       `json:"region,omitempty"`
	SalesRecords       []SaleRecord `json:"salesData,omitempty"`
	ReportURL          string       `json:"reportUrl,omitempty"`
	LocalFailure       bool         `json:"localFailure,omitempty"`
}

// Failed builds a locally synthesized failure result.
func Failed(message string) CommandResult {
	return CommandResult{Success: false, Message: message, LocalFailure: true}
}

// Client performs one interpreter round-trip. Errors mean the interpreter
// could not be reached or answered with something unusable.
type Client interface {
	Interpret(ctx context.Context, req CommandRequest) (CommandResult, error)
}

// Pinger is implemented by clients that can check interpreter health.
type Pinger interface {
	Ping(ctx context.Context) error
}

package interpreter

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type mockClient struct {
	delay time.Duration
}

// NewMockClient answers every command with a canned successful report.
func NewMockClient(delay time.Duration) Client { return &mockClient{delay: delay} }

func (m *mockClient) Interpret(ctx context.Context, req CommandRequest) (CommandResult, error) {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return CommandResult{}, ctx.Err()
		case <-time.After(m.delay):
		}
	}
	records := []SaleRecord{
		{ID: 1, ProductName: "Laptop", Category: "Electronics", SalesDate: NewDate(2024, time.January, 15), Quantity: 2, UnitPrice: 999.99, TotalAmount: 1999.98, CustomerName: "Acme Corp", Region: "North"},
		{ID: 2, ProductName: "Monitor", Category: "Electronics", SalesDate: NewDate(2024, time.January, 20), Quantity: 3, UnitPrice: 249.50, TotalAmount: 748.50, CustomerName: "Globex", Region: "South"},
	}
	return CommandResult{
		Success:            true,
		Message:            fmt.Sprintf("Report generated successfully. Found %d records.", len(records)),
		InterpretedCommand: "[mock] " + strings.TrimSpace(req.RawText),
		Category:           "Electronics",
		SalesRecords:       records,
		ReportURL:          "/api/reports/mock-report.pdf",
	}, nil
}

func (m *mockClient) Ping(context.Context) error { return nil }

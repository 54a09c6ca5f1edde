package factory

import (
	"errors"
	"net/url"
	"strings"

	"github.com/comfyrun/comfyrun/internal/history"
	"github.com/comfyrun/comfyrun/internal/history/clickhouse"
)

// NewSinkFromDSN creates a history sink based on DSN format.
// Supported formats:
//   - "clickhouse://host:port?database=db&table=table" (native protocol)
//   - "http://host:8123?table=table" or "https://..." (ClickHouse HTTP interface)
func NewSinkFromDSN(dsn string) (history.Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty DSN")
	}
	lower := strings.ToLower(dsn)

	if strings.HasPrefix(lower, "clickhouse://") {
		return parseNativeDSN(dsn)
	}
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return parseHTTPDSN(dsn)
	}
	return nil, errors.New("unsupported history DSN format: " + dsn)
}

func parseNativeDSN(dsn string) (history.Sink, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	host := u.Host
	if host == "" {
		host = "localhost:9000"
	}
	table := u.Query().Get("table")
	if table == "" {
		table = "service_history"
	}
	return clickhouse.New(host, u.Query().Get("database"), table)
}

func parseHTTPDSN(dsn string) (history.Sink, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	table := u.Query().Get("table")
	if table == "" {
		table = "service_history"
	}
	base := u.Scheme + "://" + u.Host
	return history.NewClickHouseHTTPSink(base, table), nil
}

package repository

import "fmt"

const (
	QuotesTable   = "quotes"
	AccountsTable = "account_records"
)

// Schema lists the idempotent DDL for database.
func Schema(database string) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
			ts DateTime64(3, 'UTC'),
			symbol LowCardinality(String),
			bid Float64,
			ask Float64,
			source LowCardinality(String)
		) ENGINE = MergeTree PARTITION BY toYYYYMM(ts) ORDER BY (symbol, ts)`, database, QuotesTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
			id UUID,
			ts DateTime('UTC'),
			balance Decimal(18, 2),
			equity Decimal(18, 2),
			signals Array(Int8),
			orders String
		) ENGINE = ReplacingMergeTree ORDER BY (ts, id)`, database, AccountsTable),
	}
}

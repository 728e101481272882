package config

import (
	"slices"
	"strings"

	"golang.org/x/text/currency"
)

// ValidationError lists the config fields that are missing, unparsable or out of range.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return "config: invalid or missing fields [" + strings.Join(e.fields, ", ") + "]"
}

// Fields returns the offending field paths, such as "Shipping.Currency".
func (e *ValidationError) Fields() []string {
	return slices.Clone(e.fields)
}

func validate(cfg Config, unparsable []string) error {
	bad := slices.Clone(unparsable)
	check := func(ok bool, field string) {
		if !ok && !slices.Contains(bad, field) {
			bad = append(bad, field)
		}
	}

	check(cfg.Server.Port != "", "Server.Port")
	check(cfg.Firebase.ProjectID != "", "Firebase.ProjectID")
	switch cfg.Database.Driver {
	case DatabaseDriverFirestore:
		check(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	case DatabaseDriverSQLite:
		check(strings.TrimSpace(cfg.Database.SQLiteDSN) != "", "Database.SQLiteDSN")
	default:
		check(false, "Database.Driver")
	}

	_, err := currency.ParseISO(cfg.Shipping.Currency)
	check(err == nil && len(cfg.Shipping.Currency) == 3, "Shipping.Currency")
	check(cfg.Shipping.FlatFee >= 0, "Shipping.FlatFee")
	check(cfg.Shipping.MaxPurchasesPerOrder > 0, "Shipping.MaxPurchasesPerOrder")
	check(cfg.Shipping.ProofMaxBytes > 0, "Shipping.ProofMaxBytes")
	check(cfg.Storage.ProofURLTTL > 0, "Storage.ProofURLTTL")
	check(cfg.RateLimits.CreateOrderPerMinute >= 0, "RateLimits.CreateOrderPerMinute")
	check(cfg.RateLimits.ProofUploadPerMinute >= 0, "RateLimits.ProofUploadPerMinute")

	check(cfg.Idempotency.Header != "", "Idempotency.Header")
	check(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	check(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	check(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	if len(bad) > 0 {
		return &ValidationError{fields: bad}
	}
	return nil
}

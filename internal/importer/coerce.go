package importer

// coerce.go converts raw CSV cell values into typed record fields.
// Coercion never fails: a value that cannot be represented becomes an
// explicit absent value (pgtype Valid=false → NULL) instead of an error.

import (
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/acmelabs/product-importer/internal/model"
)

// pricePattern accepts non-negative plain decimals. Negative and
// exponent-notation prices are rejected and coerce to absent.
var pricePattern = regexp.MustCompile(`^\+?(\d+(\.\d*)?|\.\d+)$`)

// normalizeRow converts a raw CSV row into a Record ready for upsert.
// Returns false when the row has no usable natural key after trimming and
// must be dropped (still counted as processed by the caller).
func normalizeRow(raw RawRow) (model.Record, bool) {
	sku := strings.TrimSpace(raw.SKU)
	if sku == "" {
		return model.Record{}, false
	}

	return model.Record{
		SKU:         sku,
		Name:        strings.TrimSpace(raw.Name),
		Description: toText(raw.Description),
		Price:       toPrice(raw.Price),
		Active:      true,
	}, true
}

// toText trims the value; empty becomes NULL.
func toText(s string) pgtype.Text {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

// toPrice coerces a raw cell into a non-negative numeric. Currency symbols
// and thousands separators are stripped first. Absent, unparseable and
// negative values all coerce to NULL.
func toPrice(s string) pgtype.Numeric {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Numeric{}
	}

	for _, cut := range []string{"$", "€", "£", ","} {
		s = strings.ReplaceAll(s, cut, "")
	}
	s = strings.TrimSpace(s)

	if !pricePattern.MatchString(s) {
		return pgtype.Numeric{}
	}
	s = strings.TrimPrefix(s, "+")

	var n pgtype.Numeric
	if err := n.Scan(s); err != nil {
		return pgtype.Numeric{}
	}
	return n
}

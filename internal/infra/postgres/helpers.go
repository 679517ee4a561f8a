package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/netip"
	"strings"

	"github.com/carebridge/gatekeeper/pkg/domain/audit"
)

// eventRow returns the bind values for one audit_events row, in column order.
func eventRow(ev *audit.Event) ([]any, error) {
	details, err := encodeDetails(ev.Details())
	if err != nil {
		return nil, fmt.Errorf("encode details of event %s: %w", ev.ID(), err)
	}
	return []any{
		ev.ID().String(),
		string(ev.Type()),
		string(ev.Severity()),
		ev.Description(),
		nullableInet(ev.SourceIP()),
		nullableText(ev.UserID()),
		nullableText(ev.RequestID()),
		details,
		ev.Timestamp(),
	}, nil
}

// placeholderGroup renders "($n, $n+1, ...)" for one row starting at first.
func placeholderGroup(first, columns int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", first+i)
	}
	b.WriteByte(')')
	return b.String()
}

func nullableText(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullableInet stores anything that is not an address as NULL, so a
// malformed source never fails the whole batch on the INET cast.
func nullableInet(s string) sql.NullString {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: addr.String(), Valid: true}
}

func encodeDetails(details map[string]any) ([]byte, error) {
	if len(details) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(details)
}

func decodeDetails(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var details map[string]any
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil, err
	}
	return details, nil
}

package identity

import (
	"regexp"
	"strings"
)

// Statement types reported for query records.
const (
	TypeSelect = "SELECT"
	TypeInsert = "INSERT"
	TypeUpdate = "UPDATE"
	TypeDelete = "DELETE"
	TypeOther  = "OTHER"
)

var fromTable = regexp.MustCompile(`(?i)\bfrom\s+([A-Za-z0-9_."]+)`)

// Classify infers the statement type by prefix and the first table named
// after FROM. Both collected rows and opted-in statements that were never
// observed go through it.
func Classify(text string) (queryType, table string) {
	text = Normalize(text)
	upper := strings.ToUpper(text)
	switch {
	case strings.HasPrefix(upper, "SELECT"), strings.HasPrefix(upper, "WITH"):
		queryType = TypeSelect
	case strings.HasPrefix(upper, "INSERT"):
		queryType = TypeInsert
	case strings.HasPrefix(upper, "UPDATE"):
		queryType = TypeUpdate
	case strings.HasPrefix(upper, "DELETE"):
		queryType = TypeDelete
	default:
		queryType = TypeOther
	}
	if m := fromTable.FindStringSubmatch(text); len(m) == 2 {
		table = strings.ReplaceAll(m[1], `"`, "")
	}
	return queryType, table
}

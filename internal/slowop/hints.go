package slowop

import "strings"

// hintRules maps an operation kind to the optimizations suggested when a
// pattern of that kind is first seen slow.
var hintRules = map[string][]string{
	"list": {
		"Filter on indexed columns instead of scanning the full collection",
		"Use cursor-based pagination rather than offset pagination",
		"Select only the fields the caller needs",
	},
	"read": {
		"Ensure the lookup columns are covered by an index",
		"Cache hot single-record lookups",
	},
	"count": {
		"Maintain a counter or use an approximate count for large collections",
		"Restrict the count to an indexed predicate",
	},
	"aggregate": {
		"Precompute the aggregate in a materialized view or summary table",
		"Push filtering before grouping so fewer rows are aggregated",
	},
	"write": {
		"Check for lock contention on the written rows",
		"Drop indexes that are never read from write-heavy tables",
	},
	"write-many": {
		"Batch the writes into a single bulk statement",
		"Wrap related writes in one transaction instead of many",
	},
	"delete-many": {
		"Delete in bounded chunks to avoid long-held locks",
		"Ensure the delete predicate is indexed",
	},
	"upsert": {
		"Ensure the conflict target is backed by a unique index",
	},
	"raw": {
		"Replace the raw statement with a parameterized, indexed query",
	},
}

// kindAliases folds common operation names onto the rule table.
var kindAliases = map[string]string{
	"find-many":   "list",
	"findmany":    "list",
	"select":      "list",
	"query":       "list",
	"scan":        "list",
	"find":        "read",
	"find-one":    "read",
	"findone":     "read",
	"findunique":  "read",
	"findfirst":   "read",
	"get":         "read",
	"groupby":     "aggregate",
	"group-by":    "aggregate",
	"create":      "write",
	"insert":      "write",
	"update":      "write",
	"delete":      "write",
	"exec":        "write",
	"create-many": "write-many",
	"createmany":  "write-many",
	"insert-many": "write-many",
	"update-many": "write-many",
	"updatemany":  "write-many",
	"copy":        "write-many",
	"deletemany":  "delete-many",
	"queryraw":    "raw",
	"executeraw":  "raw",
}

var genericHints = []string{
	"Review the execution plan for sequential scans",
	"Consider caching the result if it is read more often than it changes",
}

const largeResultThreshold = 1000

// SuggestOptimizations returns the hints for an operation kind followed by the
// generic ones. A large result set adds a pagination hint.
func SuggestOptimizations(operationKind string, resultCount *int) []string {
	kind := strings.ToLower(strings.TrimSpace(operationKind))
	if alias, ok := kindAliases[kind]; ok {
		kind = alias
	}

	hints := make([]string, 0, 6)
	hints = append(hints, hintRules[kind]...)
	if resultCount != nil && *resultCount > largeResultThreshold {
		hints = append(hints, "Limit the result set; the operation returned more than 1000 rows")
	}
	hints = append(hints, genericHints...)
	return hints
}

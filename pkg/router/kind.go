package router

import (
	"fmt"
	"strings"
)

// OperationKind classifies a unit of work. Only READ work is eligible for
// replicas; everything else needs a writable backend.
type OperationKind int

const (
	KindOther OperationKind = iota
	KindRead
	KindWrite
)

func (k OperationKind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	default:
		return "other"
	}
}

// Kinds lists every operation kind.
var Kinds = []OperationKind{KindRead, KindWrite, KindOther}

// ParseOperationKind accepts read, write and other in any case.
func ParseOperationKind(s string) (OperationKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read":
		return KindRead, nil
	case "write":
		return KindWrite, nil
	case "other", "":
		return KindOther, nil
	}
	return KindOther, fmt.Errorf("unknown operation kind '%s'", s)
}

var (
	readVerbs = map[string]bool{
		"SELECT": true, "SHOW": true, "EXPLAIN": true, "DESCRIBE": true, "DESC": true, "VALUES": true, "TABLE": true,
	}
	writeVerbs = map[string]bool{
		"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true, "REPLACE": true, "UPSERT": true,
		"CREATE": true, "ALTER": true, "DROP": true, "TRUNCATE": true, "RENAME": true,
		"GRANT": true, "REVOKE": true, "COMMENT": true,
	}
)

// ClassifyStatement guesses the operation kind of a SQL statement from its
// keywords. It does not parse SQL: leading comments and parentheses are
// skipped and the first keyword decides, except that locking reads, SELECT
// INTO and data-modifying CTEs count as writes.
func ClassifyStatement(query string) OperationKind {
	words := strings.Fields(strings.ToUpper(stripLeadingComments(query)))
	if len(words) == 0 {
		return KindOther
	}

	first := strings.TrimLeft(words[0], "(")
	switch {
	case first == "WITH":
		for _, w := range words[1:] {
			if writeVerbs[strings.TrimLeft(w, "(")] {
				return KindWrite
			}
		}
		return KindRead
	case first == "SELECT":
		for i, w := range words {
			if w == "INTO" {
				return KindWrite
			}
			if w == "FOR" && i+1 < len(words) {
				switch strings.TrimRight(words[i+1], ";") {
				case "UPDATE", "SHARE", "NO":
					return KindWrite
				}
			}
		}
		return KindRead
	case readVerbs[first]:
		return KindRead
	case writeVerbs[first]:
		return KindWrite
	}
	return KindOther
}

func stripLeadingComments(q string) string {
	for {
		q = strings.TrimLeft(q, " \t\r\n(")
		switch {
		case strings.HasPrefix(q, "--"):
			i := strings.IndexByte(q, '\n')
			if i < 0 {
				return ""
			}
			q = q[i+1:]
		case strings.HasPrefix(q, "/*"):
			i := strings.Index(q, "*/")
			if i < 0 {
				return ""
			}
			q = q[i+2:]
		default:
			return q
		}
	}
}

// RoutingContext is the per-operation input to routing. Override pins an
// explicit backend name and wins over every router as long as that backend
// is healthy.
type RoutingContext struct {
	Override string
	Kind     OperationKind
	CallerID string
	TenantID string
}

// ForStatement builds a context whose Kind is derived from query.
func ForStatement(query string) RoutingContext {
	return RoutingContext{Kind: ClassifyStatement(query)}
}

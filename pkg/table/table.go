// Package table is the generic sortable/paginated/filterable engine behind
// every table view the dashboard renders (sessions, events, subscriptions,
// topics). Views contribute a column accessor; the engine owns parsing the
// request parameters and applying filter, sort and page in that order.
package table

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultPageSize when the request does not specify one
	DefaultPageSize = 50

	// MaxPageSize caps page_size to keep responses bounded
	MaxPageSize = 500
)

// Reserved query parameters that are never treated as column filters
var reservedParams = map[string]bool{
	"sort":      true,
	"page":      true,
	"page_size": true,
}

// Filter is one column condition in PostgREST style: column=op.value
type Filter struct {
	Column string
	Op     string
	Value  string
}

// Params captures sorting, paging and filtering for one table request
type Params struct {
	Sort     string
	Desc     bool
	Page     int
	PageSize int
	Filters  []Filter
}

// Page is one page of rows plus the pagination envelope
type Page[T any] struct {
	Rows     []T `json:"rows"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// Accessor resolves a row's value for a named column. The second return is
// false for unknown columns. Supported value types: string, float64, int64,
// bool, time.Time.
type Accessor[T any] func(row T, column string) (interface{}, bool)

// ParseParams reads sort/page/page_size plus column filters from a query
// string. columns guards against filtering or sorting on unknown names.
func ParseParams(q url.Values, columns map[string]bool) (Params, error) {
	p := Params{Page: 1, PageSize: DefaultPageSize}

	if s := q.Get("sort"); s != "" {
		column := s
		if idx := strings.LastIndexByte(s, '.'); idx >= 0 {
			column = s[:idx]
			switch s[idx+1:] {
			case "desc":
				p.Desc = true
			case "asc":
				// default
			default:
				return p, fmt.Errorf("invalid sort direction %q", s[idx+1:])
			}
		}
		if !columns[column] {
			return p, fmt.Errorf("unknown sort column %q", column)
		}
		p.Sort = column
	}

	if s := q.Get("page"); s != "" {
		page, err := strconv.Atoi(s)
		if err != nil || page < 1 {
			return p, fmt.Errorf("invalid page %q", s)
		}
		p.Page = page
	}

	if s := q.Get("page_size"); s != "" {
		size, err := strconv.Atoi(s)
		if err != nil || size < 1 || size > MaxPageSize {
			return p, fmt.Errorf("page_size must be between 1 and %d", MaxPageSize)
		}
		p.PageSize = size
	}

	for key, values := range q {
		if reservedParams[key] || !columns[key] || len(values) == 0 {
			continue
		}
		for _, v := range values {
			op := "eq"
			value := v
			if idx := strings.IndexByte(v, '.'); idx > 0 {
				if knownOp(v[:idx]) {
					op = v[:idx]
					value = v[idx+1:]
				}
			}
			p.Filters = append(p.Filters, Filter{Column: key, Op: op, Value: value})
		}
	}

	return p, nil
}

func knownOp(op string) bool {
	switch op {
	case "eq", "neq", "gt", "gte", "lt", "lte", "like":
		return true
	}
	return false
}

// Apply filters, sorts and pages rows. Filter errors (e.g. a non-numeric
// value against a numeric column) simply exclude the row, matching how the
// remote API treats type mismatches.
func Apply[T any](rows []T, p Params, access Accessor[T]) Page[T] {
	// Filter
	filtered := rows
	if len(p.Filters) > 0 {
		filtered = make([]T, 0, len(rows))
		for _, row := range rows {
			if matchesAll(row, p.Filters, access) {
				filtered = append(filtered, row)
			}
		}
	}

	// Sort
	if p.Sort != "" {
		sort.SliceStable(filtered, func(i, j int) bool {
			vi, _ := access(filtered[i], p.Sort)
			vj, _ := access(filtered[j], p.Sort)
			cmp := compareValues(vi, vj)
			if p.Desc {
				return cmp > 0
			}
			return cmp < 0
		})
	}

	// Page
	page := Page[T]{
		Total:    len(filtered),
		Page:     p.Page,
		PageSize: p.PageSize,
	}
	start := (p.Page - 1) * p.PageSize
	if start >= len(filtered) {
		page.Rows = []T{}
		return page
	}
	end := start + p.PageSize
	if end > len(filtered) {
		end = len(filtered)
	}
	page.Rows = filtered[start:end]
	return page
}

func matchesAll[T any](row T, filters []Filter, access Accessor[T]) bool {
	for _, f := range filters {
		v, ok := access(row, f.Column)
		if !ok || !matches(v, f) {
			return false
		}
	}
	return true
}

func matches(v interface{}, f Filter) bool {
	if f.Op == "like" {
		s, ok := v.(string)
		if !ok {
			return false
		}
		return likeMatch(s, f.Value)
	}

	cmp, ok := compareWith(v, f.Value)
	if !ok {
		return false
	}

	switch f.Op {
	case "eq":
		return cmp == 0
	case "neq":
		return cmp != 0
	case "gt":
		return cmp > 0
	case "gte":
		return cmp >= 0
	case "lt":
		return cmp < 0
	case "lte":
		return cmp <= 0
	}
	return false
}

// compareWith compares a typed row value against the filter's string value,
// parsing the string into the row value's type
func compareWith(v interface{}, raw string) (int, bool) {
	switch val := v.(type) {
	case string:
		return strings.Compare(val, raw), true
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return 0, false
		}
		if val == b {
			return 0, true
		}
		if val {
			return 1, true
		}
		return -1, true
	case int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, false
		}
		return compareInt(val, n), true
	case float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, false
		}
		return compareFloat(val, f), true
	case time.Time:
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return 0, false
		}
		return compareInt(val.UnixNano(), t.UnixNano()), true
	}
	return 0, false
}

// compareValues orders two row values of the same column (hence same type)
func compareValues(a, b interface{}) int {
	switch av := a.(type) {
	case string:
		bv, _ := b.(string)
		return strings.Compare(av, bv)
	case bool:
		bv, _ := b.(bool)
		if av == bv {
			return 0
		}
		if av {
			return 1
		}
		return -1
	case int64:
		bv, _ := b.(int64)
		return compareInt(av, bv)
	case float64:
		bv, _ := b.(float64)
		return compareFloat(av, bv)
	case time.Time:
		bv, _ := b.(time.Time)
		return compareInt(av.UnixNano(), bv.UnixNano())
	}
	return 0
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// likeMatch implements PostgREST-style LIKE with % wildcards
func likeMatch(s, pattern string) bool {
	parts := strings.Split(pattern, "%")
	if len(parts) == 1 {
		return s == pattern
	}

	// Anchor the first and last segments, walk the middle ones in order
	if parts[0] != "" {
		if !strings.HasPrefix(s, parts[0]) {
			return false
		}
		s = s[len(parts[0]):]
	}
	last := parts[len(parts)-1]
	if last != "" {
		if !strings.HasSuffix(s, last) {
			return false
		}
		s = s[:len(s)-len(last)]
	}
	for _, mid := range parts[1 : len(parts)-1] {
		if mid == "" {
			continue
		}
		idx := strings.Index(s, mid)
		if idx < 0 {
			return false
		}
		s = s[idx+len(mid):]
	}
	return true
}

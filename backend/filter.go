package backend

import "strings"

// Matches evaluates the condition against a record. A missing column or
// a type mismatch between the cell and the condition value fails the
// condition regardless of operator. Ordered operators on bool cells
// never match.
func (c Condition) Matches(rec Record) bool {
	stored, ok := rec[c.Column]
	if !ok {
		return false
	}
	switch want := c.Value.(type) {
	case string:
		s, ok := stored.(string)
		if !ok {
			return false
		}
		return c.Op.matches(strings.Compare(s, want))
	case float64:
		f, ok := stored.(float64)
		if !ok {
			return false
		}
		switch {
		case f < want:
			return c.Op.matches(-1)
		case f > want:
			return c.Op.matches(1)
		default:
			return c.Op.matches(0)
		}
	case bool:
		b, ok := stored.(bool)
		if !ok {
			return false
		}
		switch c.Op {
		case Equal:
			return b == want
		case NotEqual:
			return b != want
		default:
			return false
		}
	default:
		return false
	}
}

// MatchesAll reports whether rec passes every condition.
func MatchesAll(rec Record, conds []Condition) bool {
	for _, c := range conds {
		if !c.Matches(rec) {
			return false
		}
	}
	return true
}

func (o Op) matches(cmp int) bool {
	switch o {
	case Equal:
		return cmp == 0
	case NotEqual:
		return cmp != 0
	case LessThan:
		return cmp < 0
	case LessOrEqual:
		return cmp <= 0
	case GreaterThan:
		return cmp > 0
	case GreaterOrEqual:
		return cmp >= 0
	default:
		return false
	}
}

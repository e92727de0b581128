package rules

import (
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// DefaultRegexTimeout bounds a single regex_match call
const DefaultRegexTimeout = 100 * time.Millisecond

// helperLib exposes the shared detection helpers to rule expressions:
//
//	deep_get(obj, "a.b.c")            value at a dotted path, or null
//	deep_get(obj, "a.b.c", fallback)  value at a dotted path, or fallback
//	pattern_match(s, patterns)        case-insensitive substring match
//	pattern_match_list(xs, patterns)  any element of xs matches
//	regex_match(s, pattern)           backtracking regex with a match timeout
//	is_successful(event)              no errorCode and no errorMessage
//
// plus the CloudTrail helpers listed on awsOptions.
type helperLib struct {
	regex *regexCache
}

func newHelperLib(timeout time.Duration) *helperLib {
	return &helperLib{regex: newRegexCache(timeout)}
}

func (l *helperLib) CompileOptions() []cel.EnvOption {
	return append([]cel.EnvOption{
		cel.Function("deep_get",
			cel.Overload("deep_get_dyn_string",
				[]*cel.Type{cel.DynType, cel.StringType}, cel.DynType,
				cel.BinaryBinding(func(obj, path ref.Val) ref.Val {
					return deepGet(obj, path, types.NullValue)
				})),
			cel.Overload("deep_get_dyn_string_dyn",
				[]*cel.Type{cel.DynType, cel.StringType, cel.DynType}, cel.DynType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					return deepGet(args[0], args[1], args[2])
				})),
		),
		cel.Function("pattern_match",
			cel.Overload("pattern_match_string_list",
				[]*cel.Type{cel.StringType, cel.ListType(cel.StringType)}, cel.BoolType,
				cel.BinaryBinding(func(s, patterns ref.Val) ref.Val {
					str, ok := s.(types.String)
					if !ok {
						return types.False
					}
					return types.Bool(patternMatch(string(str), patterns))
				})),
		),
		cel.Function("pattern_match_list",
			cel.Overload("pattern_match_list_list_list",
				[]*cel.Type{cel.ListType(cel.DynType), cel.ListType(cel.StringType)}, cel.BoolType,
				cel.BinaryBinding(func(values, patterns ref.Val) ref.Val {
					list, ok := values.(traits.Lister)
					if !ok {
						return types.False
					}
					it := list.Iterator()
					for it.HasNext() == types.True {
						if s, ok := it.Next().(types.String); ok && patternMatch(string(s), patterns) {
							return types.True
						}
					}
					return types.False
				})),
		),
		cel.Function("regex_match",
			cel.Overload("regex_match_string_string",
				[]*cel.Type{cel.StringType, cel.StringType}, cel.BoolType,
				cel.BinaryBinding(func(s, pattern ref.Val) ref.Val {
					str, ok1 := s.(types.String)
					pat, ok2 := pattern.(types.String)
					if !ok1 || !ok2 {
						return types.NewErr("regex_match: string arguments required")
					}
					matched, err := l.regex.match(string(pat), string(str))
					if err != nil {
						return types.NewErr("regex_match: %v", err)
					}
					return types.Bool(matched)
				})),
		),
		cel.Function("is_successful",
			cel.Overload("is_successful_dyn",
				[]*cel.Type{cel.DynType}, cel.BoolType,
				cel.UnaryBinding(func(event ref.Val) ref.Val {
					return types.Bool(isEmpty(lookup(event, "errorCode")) && isEmpty(lookup(event, "errorMessage")))
				})),
		),
	}, l.awsOptions()...)
}

func (l *helperLib) ProgramOptions() []cel.ProgramOption {
	return nil
}

func deepGet(obj, path, fallback ref.Val) ref.Val {
	p, ok := path.(types.String)
	if !ok {
		return fallback
	}
	cur := obj
	for _, key := range strings.Split(string(p), ".") {
		cur = lookup(cur, key)
		if cur == nil {
			return fallback
		}
	}
	if cur == types.NullValue {
		return fallback
	}
	return cur
}

// lookup returns nil when obj is not a map or key is absent
func lookup(obj ref.Val, key string) ref.Val {
	m, ok := obj.(traits.Mapper)
	if !ok {
		return nil
	}
	v, found := m.Find(types.String(key))
	if !found || types.IsError(v) {
		return nil
	}
	return v
}

func isEmpty(v ref.Val) bool {
	if v == nil || v == types.NullValue {
		return true
	}
	if s, ok := v.(types.String); ok {
		return s == ""
	}
	return false
}

func patternMatch(s string, patterns ref.Val) bool {
	if s == "" {
		return false
	}
	list, ok := patterns.(traits.Lister)
	if !ok {
		return false
	}
	lower := strings.ToLower(s)
	it := list.Iterator()
	for it.HasNext() == types.True {
		p, ok := it.Next().(types.String)
		if ok && strings.Contains(lower, strings.ToLower(string(p))) {
			return true
		}
	}
	return false
}

// regexCache keeps compiled patterns; rule programs call the same few patterns for every event
type regexCache struct {
	timeout time.Duration
	mu      sync.RWMutex
	byExpr  map[string]*regexp2.Regexp
}

func newRegexCache(timeout time.Duration) *regexCache {
	if timeout <= 0 {
		timeout = DefaultRegexTimeout
	}
	return &regexCache{timeout: timeout, byExpr: make(map[string]*regexp2.Regexp)}
}

func (c *regexCache) match(pattern, input string) (bool, error) {
	c.mu.RLock()
	re, ok := c.byExpr[pattern]
	c.mu.RUnlock()

	if !ok {
		compiled, err := regexp2.Compile(pattern, regexp2.None)
		if err != nil {
			return false, err
		}
		compiled.MatchTimeout = c.timeout

		c.mu.Lock()
		if existing, ok := c.byExpr[pattern]; ok {
			compiled = existing
		} else {
			c.byExpr[pattern] = compiled
		}
		c.mu.Unlock()
		re = compiled
	}

	return re.MatchString(input)
}

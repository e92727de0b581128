package rules

import (
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Defaults reported when a CloudTrail identity field is absent
const (
	UnknownARN       = "<UNKNOWN_ARN>"
	UnknownPrincipal = "<UNKNOWN_PRINCIPAL>"
)

// awsOptions adds the CloudTrail helpers:
//
//	get_account_id(event)         recipientAccountId, else userIdentity.accountId, else null
//	get_user_identity_arn(event)  userIdentity.arn, else "<UNKNOWN_ARN>"
//	get_principal_id(event)       userIdentity.principalId, else "<UNKNOWN_PRINCIPAL>"
//	is_root_user(event)           userIdentity.type == "Root"
//	is_console_login(event)       eventName == "ConsoleLogin"
//	is_assume_role_event(event)   eventName == "AssumeRole"
//	aws_rule_context(event)       the standard alert context map
func (l *helperLib) awsOptions() []cel.EnvOption {
	eventFunc := func(name string, out *cel.Type, fn func(event ref.Val) ref.Val) cel.EnvOption {
		return cel.Function(name,
			cel.Overload(name+"_dyn", []*cel.Type{cel.DynType}, out, cel.UnaryBinding(fn)))
	}

	return []cel.EnvOption{
		eventFunc("get_account_id", cel.DynType, func(event ref.Val) ref.Val {
			if id := lookup(event, "recipientAccountId"); !isEmpty(id) {
				return id
			}
			return deepGet(event, types.String("userIdentity.accountId"), types.NullValue)
		}),
		eventFunc("get_user_identity_arn", cel.DynType, func(event ref.Val) ref.Val {
			return deepGet(event, types.String("userIdentity.arn"), types.String(UnknownARN))
		}),
		eventFunc("get_principal_id", cel.DynType, func(event ref.Val) ref.Val {
			return deepGet(event, types.String("userIdentity.principalId"), types.String(UnknownPrincipal))
		}),
		eventFunc("is_root_user", cel.BoolType, func(event ref.Val) ref.Val {
			return types.Bool(equalsString(deepGet(event, types.String("userIdentity.type"), types.NullValue), "Root"))
		}),
		eventFunc("is_console_login", cel.BoolType, func(event ref.Val) ref.Val {
			return types.Bool(equalsString(lookup(event, "eventName"), "ConsoleLogin"))
		}),
		eventFunc("is_assume_role_event", cel.BoolType, func(event ref.Val) ref.Val {
			return types.Bool(equalsString(lookup(event, "eventName"), "AssumeRole"))
		}),
		eventFunc("aws_rule_context", cel.MapType(cel.StringType, cel.DynType), awsRuleContext),
	}
}

func equalsString(v ref.Val, want string) bool {
	s, ok := v.(types.String)
	return ok && string(s) == want
}

func awsRuleContext(event ref.Val) ref.Val {
	orNull := func(key string) ref.Val {
		if v := lookup(event, key); v != nil {
			return v
		}
		return types.NullValue
	}
	orEmpty := func(key string) ref.Val {
		if v := lookup(event, key); v != nil && v != types.NullValue {
			return v
		}
		return types.NewRefValMap(types.DefaultTypeAdapter, map[ref.Val]ref.Val{})
	}

	return types.NewRefValMap(types.DefaultTypeAdapter, map[ref.Val]ref.Val{
		types.String("eventName"):          orNull("eventName"),
		types.String("eventTime"):          orNull("eventTime"),
		types.String("sourceIPAddress"):    orNull("sourceIPAddress"),
		types.String("userAgent"):          orNull("userAgent"),
		types.String("recipientAccountId"): orNull("recipientAccountId"),
		types.String("userIdentity"):       orEmpty("userIdentity"),
		types.String("requestParameters"):  orEmpty("requestParameters"),
		types.String("responseElements"):   orEmpty("responseElements"),
	})
}

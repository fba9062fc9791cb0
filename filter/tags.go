package filter

import (
	"strconv"
	"strings"

	"github.com/antonmedv/expr"
	"github.com/mitchellh/mapstructure"

	"github.com/devzarr/devzarr/globals"
	"github.com/devzarr/devzarr/types"
)

// AsInt parses the tag value as an int, 0 on error
func AsInt(v string) int64 {
	val, _ := strconv.ParseInt(v, 0, 64)
	return val
}

// AsFloat parses the tag value as a float64, 0.0 on error
func AsFloat(v string) float64 {
	val, _ := strconv.ParseFloat(v, 64)
	return val
}

// AsIntSlice parses the tag value as a comma-separated slice of int64s (0 in every unparsable item)
func AsIntSlice(v string) []int64 {
	parts := strings.Split(v, ",")
	res := make([]int64, len(parts))
	for i, part := range parts {
		val, _ := strconv.ParseInt(part, 0, 64)
		res[i] = val
	}
	return res
}

// AsFloatSlice parses the tag value as a comma-separated slice of float64s (0.0 in every unparsable item)
func AsFloatSlice(v string) []float64 {
	parts := strings.Split(v, ",")
	res := make([]float64, len(parts))
	for i, part := range parts {
		val, _ := strconv.ParseFloat(part, 64)
		res[i] = val
	}
	return res
}

// AsStringSlice parses the tag value as a comma-separated slice of strings
func AsStringSlice(v string) []string {
	return strings.Split(v, ",")
}

type TagsEnv struct {
	Tags map[string]string

	AsInt         func(string) int64
	AsFloat       func(string) float64
	AsStringSlice func(string) []string
	AsIntSlice    func(string) []int64
	AsFloatSlice  func(string) []float64
}

// UpdateTags modifies the tags map (required to be non-nil!) according to the
// given set of updates. Each types.TagUpdate names the entry to update, its
// type (one of the TagValueType* consts), an index (slice types) and an expr
// expression to apply (the map is accessible as "Tags", the conversion
// helpers are listed above). UpdateTags is supposed to be called from within
// the persister transactions in UpdateUserTags and UpdateRoomTags. The
// returned slice reports per update whether it was applied.
func UpdateTags(tags map[string]string, updates []*types.TagUpdate) []bool {
	resOk := make([]bool, len(updates))
	if tags == nil {
		return resOk
	}
	env := TagsEnv{
		Tags:          tags,
		AsInt:         AsInt,
		AsFloat:       AsFloat,
		AsStringSlice: AsStringSlice,
		AsIntSlice:    AsIntSlice,
		AsFloatSlice:  AsFloatSlice,
	}
	for i, update := range updates {
		res, err := expr.Eval(update.Expression, env)
		if err != nil {
			globals.AppLogger.Error("could not evaluate expression", "expression", update.Expression)
			continue
		}
		helperMap := map[string]interface{}{"value": res}
		switch update.Type {
		case types.TagValueTypeString:
			out := struct {
				Value string `mapstructure:"value"`
			}{}
			if err := mapstructure.WeakDecode(helperMap, &out); err != nil {
				globals.AppLogger.Error("could not decode result", "error", err)
				continue
			}
			tags[update.Name] = out.Value

		case types.TagValueTypeInt:
			out := struct {
				Value int64 `mapstructure:"value"`
			}{}
			if err := mapstructure.WeakDecode(helperMap, &out); err != nil {
				globals.AppLogger.Error("could not decode result", "error", err)
				continue
			}
			tags[update.Name] = strconv.FormatInt(out.Value, 10)

		case types.TagValueTypeFloat:
			out := struct {
				Value float64 `mapstructure:"value"`
			}{}
			if err := mapstructure.WeakDecode(helperMap, &out); err != nil {
				globals.AppLogger.Error("could not decode result", "error", err)
				continue
			}
			tags[update.Name] = strconv.FormatFloat(out.Value, 'f', -1, 64)

		case types.TagValueTypeStringSlice:
			out := struct {
				Value string `mapstructure:"value"`
			}{}
			if err := mapstructure.WeakDecode(helperMap, &out); err != nil {
				globals.AppLogger.Error("could not decode result", "error", err)
				continue
			}
			parts := AsStringSlice(tags[update.Name])
			if update.Index < 0 || update.Index >= len(parts) {
				continue
			}
			parts[update.Index] = out.Value
			tags[update.Name] = strings.Join(parts, ",")

		case types.TagValueTypeIntSlice:
			out := struct {
				Value int64 `mapstructure:"value"`
			}{}
			if err := mapstructure.WeakDecode(helperMap, &out); err != nil {
				globals.AppLogger.Error("could not decode result", "error", err)
				continue
			}
			parts := AsStringSlice(tags[update.Name])
			if update.Index < 0 || update.Index >= len(parts) {
				continue
			}
			parts[update.Index] = strconv.FormatInt(out.Value, 10)
			tags[update.Name] = strings.Join(parts, ",")

		case types.TagValueTypeFloatSlice:
			out := struct {
				Value float64 `mapstructure:"value"`
			}{}
			if err := mapstructure.WeakDecode(helperMap, &out); err != nil {
				globals.AppLogger.Error("could not decode result", "error", err)
				continue
			}
			parts := AsStringSlice(tags[update.Name])
			if update.Index < 0 || update.Index >= len(parts) {
				continue
			}
			parts[update.Index] = strconv.FormatFloat(out.Value, 'f', -1, 64)
			tags[update.Name] = strings.Join(parts, ",")

		default:
			continue
		}
		resOk[i] = true
	}
	return resOk
}

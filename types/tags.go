package types

// Tag value types understood by filter.UpdateTags.
const (
	TagValueTypeString      = 0
	TagValueTypeInt         = 1
	TagValueTypeFloat       = 2
	TagValueTypeStringSlice = 3
	TagValueTypeIntSlice    = 4
	TagValueTypeFloatSlice  = 5
)

// A slice of TagUpdate objects is used for atomically updating Tags values
// on profiles and rooms (f.e. link lists, counters maintained by the admin
// CLI).
type TagUpdate struct {
	Name       string `json:"name"`       // tag name
	Type       int    `json:"type"`       // one of the TagValueType* consts
	Index      int    `json:"index"`      // used for the slice types
	Expression string `json:"expression"` // expr expression, its result becomes the new value
}

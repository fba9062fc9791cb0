package filter

/*
The Env used in subscription filters. A websocket connection may carry an
expr expression evaluated against this environment per delivered event.
Once this struct is fixed it should not be changed, otherwise filters
saved by clients may not compile any more (f.e. if properties are
renamed).
*/

// User mirrors the profile fields exposed to filter expressions.
type User struct {
	Id         string
	Handle     string
	Tags       map[string]string
	LastOnline int64
}

// Room mirrors the room fields exposed to filter expressions.
type Room struct {
	Id        string
	Slug      string
	Moderated bool
	Owner     User
	Tags      map[string]string
}

// Source describes the event originator.
type Source struct {
	User
}

// Target describes the receiving client.
type Target struct {
	User
	Role  string
	Voice bool
}

// Env is the complete evaluation environment.
type Env struct {
	Room
	Source
	Target
	Kind    string
	Created int64

	AsInt         func(string) int64
	AsFloat       func(string) float64
	AsStringSlice func(string) []string
	AsIntSlice    func(string) []int64
	AsFloatSlice  func(string) []float64
}

package jobspec

// Arg is one flags-mode argument. Key is the caller's spelling; the
// expander turns underscores into dashes when it emits the flag.
type Arg struct {
	Key   string `validate:"required,flagname"`
	Value string
}

// Args keeps flags-mode arguments in the order the caller supplied them.
type Args []Arg

// Get returns the value stored under key.
func (a Args) Get(key string) (string, bool) {
	for _, arg := range a {
		if arg.Key == key {
			return arg.Value, true
		}
	}
	return "", false
}

// Set replaces the value of an existing key in place or appends a new one,
// so re-setting a key never changes its position.
func (a *Args) Set(key, value string) {
	for i := range *a {
		if (*a)[i].Key == key {
			(*a)[i].Value = value
			return
		}
	}
	*a = append(*a, Arg{Key: key, Value: value})
}

// Keys returns the argument names in insertion order.
func (a Args) Keys() []string {
	keys := make([]string, len(a))
	for i, arg := range a {
		keys[i] = arg.Key
	}
	return keys
}

func (a Args) clone() Args {
	if a == nil {
		return nil
	}
	out := make(Args, len(a))
	copy(out, a)
	return out
}

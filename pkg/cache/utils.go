package cache

import "fmt"

// Key joins a prefix and parameters with colons.
func Key(prefix string, params ...any) string {
	key := prefix
	for _, p := range params {
		key = fmt.Sprintf("%s:%v", key, p)
	}
	return key
}

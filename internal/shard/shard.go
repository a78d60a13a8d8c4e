// Package shard spreads hot index values across several partition values.
package shard

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

// Separator joins a value and its shard number.
const Separator = "."

// Assign appends a shard suffix chosen uniformly from [1, n] to value.
// With n <= 1 every value goes to shard 1.
func Assign(value string, n int) string {
	return fmt.Sprintf("%s%s%d", value, Separator, 1+Index(n))
}

// Index returns a shard number chosen uniformly from [0, n).
// With n <= 1 it always returns 0.
func Index(n int) int {
	if n <= 1 {
		return 0
	}
	return rand.IntN(n)
}

// Strip removes a trailing numeric shard suffix. Values without one are
// returned unchanged.
func Strip(value string) string {
	i := strings.LastIndex(value, Separator)
	if i < 0 || i == len(value)-1 {
		return value
	}
	if _, err := strconv.Atoi(value[i+1:]); err != nil {
		return value
	}
	return value[:i]
}

// Range lists value.from through value.(from+n-1).
func Range(value string, from, n int) []string {
	if n < 1 {
		return nil
	}
	values := make([]string, 0, n)
	for k := from; k < from+n; k++ {
		values = append(values, fmt.Sprintf("%s%s%d", value, Separator, k))
	}
	return values
}

// Values lists every stored form of value when it was sharded with Assign:
// the legacy unsharded value first, then value.1 through value.n.
func Values(value string, n int) []string {
	if n < 1 {
		n = 1
	}
	return append([]string{value}, Range(value, 1, n)...)
}

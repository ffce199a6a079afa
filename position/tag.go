package position

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	initialTag = "Initial_Entry"
	stepPrefix = "Pyramid_Step_"
)

// StepTag is the trade comment carried by step index.
func StepTag(index int) string {
	if index <= 0 {
		return initialTag
	}
	return fmt.Sprintf("%s%d", stepPrefix, index)
}

// ParseStepTag recovers the step index from a trade comment. Unknown
// comments yield 0 and false.
func ParseStepTag(tag string) (int, bool) {
	tag = strings.TrimSpace(tag)
	if tag == initialTag {
		return 0, true
	}
	if !strings.HasPrefix(tag, stepPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(tag, stepPrefix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Label is the strategy label trades of one instrument are opened under.
func Label(prefix, instrument string) string {
	return prefix + instrument
}

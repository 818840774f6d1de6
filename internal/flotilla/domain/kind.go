package domain

import "strings"

// kindSeparator joins model and adapter ids into a kind tag. Model ids may
// themselves contain slashes, so a double colon keeps the tag unambiguous.
const kindSeparator = "::"

// Kind tags the model/adapter pair a job needs resident in GPU memory.
// Queue partitions and worker pools are keyed by it.
type Kind struct {
	ModelId   string
	AdapterId string
}

func (k Kind) String() string {
	if k.AdapterId == "" {
		return k.ModelId
	}
	return k.ModelId + kindSeparator + k.AdapterId
}

func ParseKind(s string) Kind {
	model, adapter, _ := strings.Cut(s, kindSeparator)
	return Kind{ModelId: model, AdapterId: adapter}
}

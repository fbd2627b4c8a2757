package model

// PinFront puts msg at the head of pinned, dropping any older entry with
// the same id, and truncates to PinnedCap.
func PinFront(pinned []Message, msg Message) []Message {
	next := make([]Message, 0, len(pinned)+1)
	next = append(next, msg)
	for _, p := range pinned {
		if p.ID != msg.ID {
			next = append(next, p)
		}
	}
	if len(next) > PinnedCap {
		next = next[:PinnedCap]
	}
	return next
}

// Unpin drops every pinned entry with the given id.
func Unpin(pinned []Message, id string) []Message {
	out := make([]Message, 0, len(pinned))
	for _, p := range pinned {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}

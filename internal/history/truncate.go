package history

import "github.com/halvard-eng/convoengine/internal/protocol"

// Truncate implements spec.md §4.6's truncate-by-last-user-messages
// algorithm: scan items from the end counting those with role=="user";
// let k be the index of the n-th such item from the end; return items
// [0, k). If fewer than n user items exist, return empty. n=0 returns the
// input unchanged (spec.md §8: "Truncation is idempotent for n=0").
//
// Grounded on _examples/original_source/codex-rs/core/src/
// conversation_manager.rs's truncate_after_dropping_last_messages, which
// this function mirrors exactly (same two literal scenarios in spec.md
// §4.6 are this function's test cases) — reused by both the direct
// GetHistoryEntryRequest-adjacent truncation operation and by
// fork_conversation (internal/manager).
func Truncate(items protocol.Transcript, n int) protocol.Transcript {
	if n <= 0 {
		out := make(protocol.Transcript, len(items))
		copy(out, items)
		return out
	}

	userSeen := 0
	cut := -1
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Kind == protocol.ItemMessage && items[i].Role == protocol.RoleUser {
			userSeen++
			if userSeen == n {
				cut = i
				break
			}
		}
	}

	if cut < 0 {
		// Fewer than n user items exist.
		return protocol.Transcript{}
	}

	out := make(protocol.Transcript, cut)
	copy(out, items[:cut])
	return out
}

package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// Genesis is the previous-hash of the first entry in a chain
const Genesis = "GENESIS"

// Chain links compliance entries into a tamper-evident sha256 hash chain.
// Each hash covers the timestamp, the previous hash and the entry body.
type Chain struct {
	mu   sync.Mutex
	last string
}

// NewChain starts a chain after lastHash, or at Genesis when empty
func NewChain(lastHash string) *Chain {
	if lastHash == "" {
		lastHash = Genesis
	}
	return &Chain{last: lastHash}
}

// Last returns the hash of the most recently committed entry
func (c *Chain) Last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// link stamps e with the current head without advancing it
func (c *Chain) link(e Entry) Entry {
	c.mu.Lock()
	prev := c.last
	c.mu.Unlock()

	e.PrevHash = prev
	e.Hash = HashEntry(e)
	return e
}

// commit moves the head to a confirmed entry. Entries confirmed
// concurrently may share a parent; every parent is stored before its children.
func (c *Chain) commit(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = e.Hash
}

// HashEntry computes the chain hash of e from its content and PrevHash
func HashEntry(e Entry) string {
	body := e
	body.PrevHash = ""
	body.Hash = ""

	// encoding/json sorts map keys, which keeps Details canonical
	content, _ := json.Marshal(struct {
		Timestamp    string `json:"timestamp"`
		PreviousHash string `json:"previous_hash"`
		Body         Entry  `json:"body"`
	}{
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		PreviousHash: e.PrevHash,
		Body:         body,
	})

	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Violation describes one broken link
type Violation struct {
	Index    int    `json:"index"`
	Reason   string `json:"reason"`
	Expected string `json:"expected,omitempty"`
	Found    string `json:"found,omitempty"`
}

// Verify walks entries in storage order and reports every broken link. An
// entry must hash to its Hash and link to GENESIS or to an entry stored
// before it. An entry repeated verbatim (a redelivery after a timed-out
// attempt) is ignored.
func Verify(entries []Entry) []Violation {
	var violations []Violation
	seen := map[string]bool{Genesis: true}
	last := Genesis

	for i, e := range entries {
		computed := HashEntry(e)
		if seen[e.Hash] && computed == e.Hash {
			continue
		}
		if !seen[e.PrevHash] {
			violations = append(violations, Violation{
				Index: i, Reason: "previous hash mismatch", Expected: last, Found: e.PrevHash,
			})
		}
		if computed != e.Hash {
			violations = append(violations, Violation{
				Index: i, Reason: "entry hash mismatch", Expected: computed, Found: e.Hash,
			})
		}
		seen[e.Hash] = true
		last = e.Hash
	}
	return violations
}

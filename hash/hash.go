// Package hash provides BLAKE3-based content addressing for blocks, files,
// and interior Merkle-tree nodes.
package hash

import (
	"io"

	"lukechampine.com/blake3"
)

// nodeDomainTag domain-separates interior tree nodes from leaf content so a
// NodeHash and a BlockHash of the same bytes never collide.
const nodeDomainTag = "merkle-node/v1"

// BlockHash is the 32-byte BLAKE3 digest of normalized block content. It is
// the leaf hash of the binary tree within a section.
type BlockHash [32]byte

// NodeHash is a 16-byte truncated BLAKE3 digest used only for interior tree
// nodes (section binary-tree nodes, section hashes, the tree root). A
// binary tree over n leaves has n-1 interior nodes, so interior hashes are
// about as numerous as leaf hashes and halving their size is a real memory
// saving.
type NodeHash [16]byte

// FileHash is the BLAKE3 digest of a file's raw bytes, used by the
// change-detection store.
type FileHash [32]byte

// ZeroBlockHash is the reserved sentinel for the empty block. It never
// appears as the hash of non-empty content.
func ZeroBlockHash() BlockHash { return BlockHash{} }

// IsZero reports whether h is the reserved empty-block sentinel.
func (h BlockHash) IsZero() bool { return h == BlockHash{} }

// String renders the hash as lowercase hex.
func (h BlockHash) String() string { return hexString(h[:]) }

// String renders the hash as lowercase hex.
func (h NodeHash) String() string { return hexString(h[:]) }

// String renders the hash as lowercase hex.
func (h FileHash) String() string { return hexString(h[:]) }

func hexString(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0x0f]
	}
	return string(out)
}

// HashBlockContent hashes already-normalized block text. Callers are
// responsible for normalization (see Normalize) — this function does not
// normalize again, so that repeated hashing of identical bytes is provably
// idempotent.
func HashBlockContent(normalized string) BlockHash {
	if normalized == "" {
		return BlockHash{}
	}
	return BlockHash(blake3.Sum256([]byte(normalized)))
}

// Normalize canonicalizes block text before hashing: line endings are
// collapsed to "\n", trailing whitespace is stripped per line, and any
// leading UTF-8 BOM is removed. Normalization is deterministic: applying it
// twice yields the same bytes as applying it once.
func Normalize(text string) string {
	// Strip BOM.
	if len(text) >= 3 && text[0] == 0xEF && text[1] == 0xBB && text[2] == 0xBF {
		text = text[3:]
	}

	lines := splitLines(text)
	for i, l := range lines {
		lines[i] = trimTrailingSpace(l)
	}
	out := make([]byte, 0, len(text))
	for i, l := range lines {
		if i > 0 {
			out = append(out, '\n')
		}
		out = append(out, l...)
	}
	return string(out)
}

func splitLines(text string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '\n':
			end := i
			if end > start && text[end-1] == '\r' {
				end--
			}
			lines = append(lines, text[start:end])
			start = i + 1
		}
	}
	lines = append(lines, text[start:])
	return lines
}

func trimTrailingSpace(s string) string {
	end := len(s)
	for end > 0 && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[:end]
}

// Combine hashes the concatenation of two interior-node hashes under a
// domain-separation tag, producing the NodeHash of their parent.
func Combine(a, b NodeHash) NodeHash {
	h := blake3.New(32, nil)
	io.WriteString(h, nodeDomainTag)
	h.Write(a[:])
	h.Write(b[:])
	var out NodeHash
	copy(out[:], h.Sum(nil))
	return out
}

// CombineLeaf hashes a single BlockHash into a NodeHash, for use when a
// binary tree's leaf layer feeds directly into interior combination.
func CombineLeaf(b BlockHash) NodeHash {
	h := blake3.New(32, nil)
	io.WriteString(h, nodeDomainTag)
	h.Write(b[:])
	var out NodeHash
	copy(out[:], h.Sum(nil))
	return out
}

// CombineMany folds a list of NodeHash values bottom-up, pairing elements
// two at a time and duplicating the last element of an odd-length level.
// An empty input returns the zero NodeHash.
func CombineMany(hashes []NodeHash) NodeHash {
	if len(hashes) == 0 {
		return NodeHash{}
	}
	level := make([]NodeHash, len(hashes))
	copy(level, hashes)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]NodeHash, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, Combine(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// FileHashStreaming computes the BLAKE3 digest of r without buffering the
// whole file in memory. An I/O error aborts the hash; no partial hash is
// ever returned.
func FileHashStreaming(r io.Reader) (FileHash, error) {
	h := blake3.New(32, nil)
	if _, err := io.Copy(h, r); err != nil {
		return FileHash{}, err
	}
	var out FileHash
	copy(out[:], h.Sum(nil))
	return out, nil
}

package accounts

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/fortiblox/golana/internal/types"
)

// ComputeAccountHash computes the hash of a single account:
// SHA256(lamports || rent_epoch || data || executable || owner || pubkey).
// A zero account hashes to the zero hash.
func ComputeAccountHash(pubkey types.Pubkey, account *Account) types.Hash {
	if account == nil || account.IsZero() {
		return types.Hash{}
	}

	// lamports (8) + rent_epoch (8) + data + executable (1) + owner (32) + pubkey (32)
	buf := make([]byte, 8+8+len(account.Data)+1+32+32)
	offset := 0

	binary.LittleEndian.PutUint64(buf[offset:], account.Lamports)
	offset += 8
	binary.LittleEndian.PutUint64(buf[offset:], account.RentEpoch)
	offset += 8

	copy(buf[offset:], account.Data)
	offset += len(account.Data)

	if account.Executable {
		buf[offset] = 1
	}
	offset++

	copy(buf[offset:], account.Owner[:])
	offset += 32
	copy(buf[offset:], pubkey[:])

	return sha256.Sum256(buf)
}

// ComputeDeltaHash computes the merkle root over the hashes of the given
// accounts, sorted by pubkey. It summarizes the state written by one commit.
func ComputeDeltaHash(entries []*AccountEntry) types.Hash {
	sorted := make([]*AccountEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Pubkey[:], sorted[j].Pubkey[:]) < 0
	})

	hashes := make([]types.Hash, len(sorted))
	for i, e := range sorted {
		hashes[i] = ComputeAccountHash(e.Pubkey, e.Account)
	}
	return ComputeMerkleRoot(hashes)
}

// ComputeMerkleRoot computes the binary Merkle root of a list of hashes.
//
// Tree structure:
//   - Leaf: SHA256(0x00 || hash)
//   - Node: SHA256(0x01 || left || right)
//   - An odd node is paired with the zero hash
func ComputeMerkleRoot(hashes []types.Hash) types.Hash {
	if len(hashes) == 0 {
		return types.Hash{}
	}

	level := make([]types.Hash, len(hashes))
	for i, h := range hashes {
		level[i] = leafHash(h)
	}

	for len(level) > 1 {
		next := make([]types.Hash, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			var right types.Hash
			if i+1 < len(level) {
				right = level[i+1]
			}
			next[i/2] = nodeHash(level[i], right)
		}
		level = next
	}
	return level[0]
}

func leafHash(data types.Hash) types.Hash {
	var buf [1 + 32]byte
	copy(buf[1:], data[:])
	return sha256.Sum256(buf[:])
}

func nodeHash(left, right types.Hash) types.Hash {
	var buf [1 + 32 + 32]byte
	buf[0] = 0x01
	copy(buf[1:], left[:])
	copy(buf[33:], right[:])
	return sha256.Sum256(buf[:])
}

// Package txbuild compiles an ordered instruction list into a signable
// legacic transaction message and serializes the final signed wire
// transaction, following the account-ordering and shortvec-length
// rules the chain's transaction format requires (spec.md §4.7 step 2).
//
// There is no third-party Solana transaction codec anywhere in the
// example pack, so this wire format is produced with the standard
// library (bytes, crypto/ed25519), plus mr-tron/base58 to decode the
// blockhash, because no candidate library exists in the corpus for
// this concern.
package txbuild

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/luxfi/automaton/types"
)

// MessageHeader is the three-byte legacy transaction message header.
type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

type accountSlot struct {
	pubkey     types.Pubkey
	isSigner   bool
	isWritable bool
}

// compileAccounts merges every instruction's accounts, then each
// instruction's program id, into one deduplicated, ordered account
// list: payer first
// (forced signer+writable), then signer-writable, signer-readonly,
// nonsigner-writable, nonsigner-readonly.
func compileAccounts(payer types.Pubkey, instrs []types.Instruction) ([]types.Pubkey, MessageHeader, map[types.Pubkey]int) {
	byKey := make(map[types.Pubkey]*accountSlot)
	var order []types.Pubkey

	upsert := func(pk types.Pubkey, signer, writable bool) {
		s, ok := byKey[pk]
		if !ok {
			s = &accountSlot{pubkey: pk}
			byKey[pk] = s
			order = append(order, pk)
		}
		if signer {
			s.isSigner = true
		}
		if writable {
			s.isWritable = true
		}
	}

	upsert(payer, true, true)
	for _, ix := range instrs {
		for _, am := range ix.Accounts {
			upsert(am.Pubkey, am.IsSigner, am.IsWritable)
		}
	}
	for _, ix := range instrs {
		upsert(ix.ProgramID, false, false)
	}

	var signerWritable, signerReadonly, nonsignerWritable, nonsignerReadonly []types.Pubkey
	for _, pk := range order {
		s := byKey[pk]
		if pk == payer {
			continue
		}
		switch {
		case s.isSigner && s.isWritable:
			signerWritable = append(signerWritable, pk)
		case s.isSigner && !s.isWritable:
			signerReadonly = append(signerReadonly, pk)
		case !s.isSigner && s.isWritable:
			nonsignerWritable = append(nonsignerWritable, pk)
		default:
			nonsignerReadonly = append(nonsignerReadonly, pk)
		}
	}

	keys := make([]types.Pubkey, 0, len(order))
	keys = append(keys, payer)
	keys = append(keys, signerWritable...)
	keys = append(keys, signerReadonly...)
	keys = append(keys, nonsignerWritable...)
	keys = append(keys, nonsignerReadonly...)

	header := MessageHeader{
		NumRequiredSignatures:     uint8(1 + len(signerWritable) + len(signerReadonly)),
		NumReadonlySignedAccounts: uint8(len(signerReadonly)),
		NumReadonlyUnsignedAccounts: uint8(len(nonsignerReadonly)),
	}

	index := make(map[types.Pubkey]int, len(keys))
	for i, k := range keys {
		index[k] = i
	}
	return keys, header, index
}

// shortvec is the chain's compact-array length prefix: 7 bits per byte,
// high bit set while more bytes follow.
func appendShortvec(buf *bytes.Buffer, n int) {
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			buf.WriteByte(b | 0x80)
		} else {
			buf.WriteByte(b)
			return
		}
	}
}

// Compile builds the unsigned message bytes for a legacy transaction
// paying fees from payer, addressed at blockhash. Returns the message
// bytes and the ordered account key list (for logging/diagnostics).
func Compile(payer types.Pubkey, instrs []types.Instruction, blockhash string) ([]byte, []types.Pubkey, error) {
	hashBytes, err := base58.Decode(blockhash)
	if err != nil {
		return nil, nil, fmt.Errorf("txbuild: decoding blockhash: %w", err)
	}
	if len(hashBytes) != 32 {
		return nil, nil, fmt.Errorf("txbuild: blockhash must decode to 32 bytes, got %d", len(hashBytes))
	}

	keys, header, index := compileAccounts(payer, instrs)

	var buf bytes.Buffer
	buf.WriteByte(header.NumRequiredSignatures)
	buf.WriteByte(header.NumReadonlySignedAccounts)
	buf.WriteByte(header.NumReadonlyUnsignedAccounts)

	appendShortvec(&buf, len(keys))
	for _, k := range keys {
		buf.Write(k[:])
	}

	buf.Write(hashBytes)

	appendShortvec(&buf, len(instrs))
	for _, ix := range instrs {
		progIdx, ok := index[ix.ProgramID]
		if !ok {
			return nil, nil, fmt.Errorf("txbuild: program id %s missing from compiled account list", ix.ProgramID.String())
		}
		buf.WriteByte(byte(progIdx))

		appendShortvec(&buf, len(ix.Accounts))
		for _, am := range ix.Accounts {
			idx, ok := index[am.Pubkey]
			if !ok {
				return nil, nil, fmt.Errorf("txbuild: account %s missing from compiled account list", am.Pubkey.String())
			}
			buf.WriteByte(byte(idx))
		}

		appendShortvec(&buf, len(ix.Data))
		buf.Write(ix.Data)
	}

	return buf.Bytes(), keys, nil
}

// Sign produces a single detached signature over message with priv.
func Sign(priv ed25519.PrivateKey, message []byte) [64]byte {
	var sig [64]byte
	copy(sig[:], ed25519.Sign(priv, message))
	return sig
}

// Serialize wraps message with its signatures into the final wire
// transaction: compact-array of 64-byte signatures followed by the
// message bytes.
func Serialize(signatures [][64]byte, message []byte) []byte {
	var buf bytes.Buffer
	appendShortvec(&buf, len(signatures))
	for _, s := range signatures {
		buf.Write(s[:])
	}
	buf.Write(message)
	return buf.Bytes()
}

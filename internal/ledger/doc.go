// Package ledger implements the hash-linked block chain that records every
// device-control command together with its authorization verdict.
//
// The chain starts at an empty genesis block (index 0). Transactions are
// appended to the open head block; once it holds Capacity transactions, or
// a caller forces it, the block is sealed (its SHA-256 digest is computed
// over its contents and its predecessor's digest) and a successor is opened.
//
// The head only ever moves by a direct, linear extension: ProposeBlock
// accepts a candidate whose predecessor is the current head and whose index
// is one higher, and discards anything else in its entirety. Verify walks
// the chain and recomputes each digest, making tampering detectable.
package ledger

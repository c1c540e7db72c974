// Package fhe implements the ciphertext and capability primitives the
// encrypted ledger engine is built on.
//
// Overview:
//   - Encrypted values are referenced by opaque 32-byte handles; byte 30 of a
//     handle carries the encrypted type and byte 31 the handle version
//   - The Executor interface is the contract the engine consumes: encode,
//     ingest external input, add, equality, oblivious select and grants
//   - Coprocessor is the reference Executor: values are sealed at rest with
//     ChaCha20-Poly1305 under a key derived from the BLS12-377 network key
//
// Access control:
//   - A contract may only use a handle it is allowed on, either persistently
//     (AllowThis / Allow) or transiently for the transaction that produced it
//   - Transient allowances die with the transaction; anything the contract
//     wants to reuse later must be granted with AllowThis before commit
//   - Every handle created and every grant issued inside a reverted
//     transaction is rolled back by the journal
//
// Decryption is not part of the Executor: the relayer calls Decrypt only
// after checking the grants recorded here.
package fhe

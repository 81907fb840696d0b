// Package storage is the persistence and content-retrieval layer for the
// payment-kit protocol (spec §4.4).
//
// Two distinct concerns live here:
//
// # Repository interfaces
//
// types.go declares ChannelRepository, SubChannelRepository, RAVRepository,
// PendingSubRAVRepository and TransactionStore — the on-disk state every
// payer/payee/hub role reads and writes: cached channel metadata, per-vmID
// sub-channel cursors, the signed-SubRAV log, outstanding payment proposals,
// and the request/payment transaction ledger. Three backends implement them:
//
//   - memstore: in-process maps guarded by sync.RWMutex, for tests and
//     single-process demos.
//   - boltstore: an embedded bbolt database, for a durable single-process
//     deployment — standing in for the browser-local-storage tier the spec
//     names for a client-side payer.
//   - sqlstore: Postgres via lib/pq, for a multi-process hub or payee
//     service sharing state across instances.
//
// All three must agree on GetUnclaimedRAVs' core invariant: the returned map
// holds, per vmIdFragment, the highest-nonce SignedSubRAV in the channel that
// has not yet been claimed — computed by picking the overall latest nonce
// first and only then checking its claimed flag, never the reverse, since a
// claimed latest nonce supersedes every earlier unclaimed one.
//
// # Content-addressed fetch
//
// common.go, ipfs.go and lighthouse.go provide Client, a helper for
// retrieving a blob by hash/URI from either an IPFS node (via the Kubo HTTP
// API) or a Lighthouse/Filecoin gateway, selected by a "filecoin://" prefix
// on the input. This is how cryptoutil.IPFSDIDResolver resolves a payer's
// DID document referenced from their DID (spec §4.2): the resolver depends
// only on the Storage interface's ReadFile method, not on Client directly.
//
//	client := storage.NewStorage("http://localhost:5001", "https://gateway.lighthouse.storage/ipfs/")
//	doc, err := client.ReadFile(payerDID.DocumentURI)
//
// This fetch path is unrelated to the repository interfaces above: it reads
// externally-published, content-addressed documents, not the protocol's own
// channel/RAV/pending state.
package storage

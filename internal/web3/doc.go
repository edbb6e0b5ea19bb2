// Package web3 defines the chain-client capability the workflow depends on:
// signing and broadcasting transactions from arbitrary keys, waiting for
// confirmation, read-only contract calls and native balance queries. Concrete
// EVM clients live in the ethereum subpackage and are selected through the
// provider registry.
package web3

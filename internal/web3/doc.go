// Package web3 houses blockchain connectivity for token settlement: chain
// definitions, the ERC-20 calls the marketplace needs (balance and transfer)
// and the client abstraction over EVM networks.
package web3

// Package chain turns game-contract logs into queue jobs.
//
// The listener polls an EVM JSON-RPC endpoint for logs of the game contract,
// decodes them into domain.ChainEvent values and enqueues each under its
// deterministic chain job id. Re-scanning a block range is therefore safe:
// already-queued events collapse onto their existing jobs.
package chain

// gameABI declares the game-contract events the listener understands.
//
// Actor is always the first indexed argument except for ReferralBound, whose
// referrer is the actor and whose referee is the counterparty.
const gameABI = `[
	{
		"type": "event",
		"name": "Attack",
		"anonymous": false,
		"inputs": [
			{"name": "attacker", "type": "address", "indexed": true},
			{"name": "target", "type": "address", "indexed": true},
			{"name": "units", "type": "uint256", "indexed": false},
			{"name": "cost", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "Buy",
		"anonymous": false,
		"inputs": [
			{"name": "buyer", "type": "address", "indexed": true},
			{"name": "token", "type": "address", "indexed": true},
			{"name": "amount", "type": "uint256", "indexed": false},
			{"name": "cost", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "Sell",
		"anonymous": false,
		"inputs": [
			{"name": "seller", "type": "address", "indexed": true},
			{"name": "token", "type": "address", "indexed": true},
			{"name": "amount", "type": "uint256", "indexed": false},
			{"name": "payout", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "ReferralBound",
		"anonymous": false,
		"inputs": [
			{"name": "referee", "type": "address", "indexed": true},
			{"name": "referrer", "type": "address", "indexed": true}
		]
	}
]`

// Token amounts and values are 18-decimal fixed point on chain.
const tokenDecimals = 18

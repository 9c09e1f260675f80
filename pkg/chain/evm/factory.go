package evm

// FactoryABI is the interface of the HTLC factory contract. A swap is locked
// once and split into units equal contracts, each claimable on its own with
// the preimage of hashLock.
const FactoryABI = `[
  {
    "type": "function",
    "name": "createSwap",
    "stateMutability": "payable",
    "inputs": [
      {"name": "swapId", "type": "bytes32"},
      {"name": "recipient", "type": "address"},
      {"name": "hashLock", "type": "bytes32"},
      {"name": "timelock", "type": "uint256"},
      {"name": "units", "type": "uint256"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "claimContract",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "swapId", "type": "bytes32"},
      {"name": "index", "type": "uint256"},
      {"name": "secret", "type": "bytes32"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "refund",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "swapId", "type": "bytes32"}
    ],
    "outputs": []
  },
  {
    "type": "event",
    "name": "SwapCreated",
    "anonymous": false,
    "inputs": [
      {"name": "swapId", "type": "bytes32", "indexed": true},
      {"name": "initiator", "type": "address", "indexed": true},
      {"name": "recipient", "type": "address", "indexed": false},
      {"name": "amount", "type": "uint256", "indexed": false}
    ]
  },
  {
    "type": "event",
    "name": "ContractClaimed",
    "anonymous": false,
    "inputs": [
      {"name": "swapId", "type": "bytes32", "indexed": true},
      {"name": "index", "type": "uint256", "indexed": false},
      {"name": "resolver", "type": "address", "indexed": true},
      {"name": "secret", "type": "bytes32", "indexed": false}
    ]
  }
]`

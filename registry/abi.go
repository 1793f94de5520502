package registry

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract method names.
const (
	methodBatchRegister   = "batchRegister"
	methodRevoke          = "revoke"
	methodRevokeByPair    = "revokeByDidAndRoot"
	methodIsValidByPair   = "isValidByDidAndRoot"
	methodGetByPair       = "getCertificateByDidAndRoot"
	methodGetCertificate  = "getCertificate"
	methodCertsForDid     = "getCertificatesForDid"
	methodAuthorizeIssuer = "authorizeIssuer"
	methodIsIssuer        = "authorizedIssuers"
)

// RegistryABI is the interface of the deployed certificate registry.
const RegistryABI = `[
 {"type":"function","name":"batchRegister","stateMutability":"nonpayable",
  "inputs":[{"name":"didHashes","type":"bytes32[]"},{"name":"merkleRoots","type":"bytes32[]"}],"outputs":[]},
 {"type":"function","name":"revoke","stateMutability":"nonpayable",
  "inputs":[{"name":"certificateKey","type":"bytes32"}],"outputs":[]},
 {"type":"function","name":"revokeByDidAndRoot","stateMutability":"nonpayable",
  "inputs":[{"name":"didHash","type":"bytes32"},{"name":"merkleRoot","type":"bytes32"}],"outputs":[]},
 {"type":"function","name":"isValidByDidAndRoot","stateMutability":"view",
  "inputs":[{"name":"didHash","type":"bytes32"},{"name":"merkleRoot","type":"bytes32"}],
  "outputs":[{"name":"valid","type":"bool"},{"name":"revoked","type":"bool"}]},
 {"type":"function","name":"getCertificateByDidAndRoot","stateMutability":"view",
  "inputs":[{"name":"didHash","type":"bytes32"},{"name":"merkleRoot","type":"bytes32"}],
  "outputs":[{"name":"merkleRoot","type":"bytes32"},{"name":"didHash","type":"bytes32"},{"name":"issuanceTimestamp","type":"uint256"},{"name":"revoked","type":"bool"}]},
 {"type":"function","name":"getCertificate","stateMutability":"view",
  "inputs":[{"name":"certificateKey","type":"bytes32"}],
  "outputs":[{"name":"merkleRoot","type":"bytes32"},{"name":"didHash","type":"bytes32"},{"name":"issuanceTimestamp","type":"uint256"},{"name":"revoked","type":"bool"}]},
 {"type":"function","name":"getCertificatesForDid","stateMutability":"view",
  "inputs":[{"name":"didHash","type":"bytes32"}],"outputs":[{"name":"","type":"bytes32[]"}]},
 {"type":"function","name":"authorizeIssuer","stateMutability":"nonpayable",
  "inputs":[{"name":"issuer","type":"address"}],"outputs":[]},
 {"type":"function","name":"authorizedIssuers","stateMutability":"view",
  "inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"bool"}]}
]`

var registryABI = mustParseABI(RegistryABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

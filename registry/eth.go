package registry

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/colorfulnotion/certchain/certerrors"
	"github.com/colorfulnotion/certchain/common"
	"github.com/colorfulnotion/certchain/log"
	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultPollInterval = 500 * time.Millisecond

var tracer = otel.Tracer("github.com/colorfulnotion/certchain/registry")

// EthGateway is the Gateway over a deployed registry contract.
type EthGateway struct {
	client   ChainClient
	contract ethcommon.Address
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	from     ethcommon.Address

	txMu         sync.Mutex
	PollInterval time.Duration
}

// NewEthGateway binds the contract at address. issuerKey is a hex secp256k1
// key; without one the gateway is read-only.
func NewEthGateway(ctx context.Context, client ChainClient, address common.Address, issuerKey string) (*EthGateway, error) {
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, chainErr("chain id", err)
	}
	return newEthGateway(client, address, issuerKey, chainID)
}

func newEthGateway(client ChainClient, address common.Address, issuerKey string, chainID *big.Int) (*EthGateway, error) {
	g := &EthGateway{
		client:       client,
		contract:     ethcommon.Address(address),
		chainID:      chainID,
		PollInterval: defaultPollInterval,
	}
	if issuerKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(issuerKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: issuer key: %v", certerrors.ErrValidation, err)
		}
		g.key = key
		g.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return g, nil
}

// Dial connects to a JSON-RPC endpoint. With a non-zero chainID nothing is
// sent to the node until the first call, so an unreachable node does not
// fail startup. Zero asks the node.
func Dial(ctx context.Context, rpcURL string, address common.Address, issuerKey string, chainID uint64) (*EthGateway, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, chainErr("dial "+rpcURL, err)
	}
	if chainID == 0 {
		return NewEthGateway(ctx, client, address, issuerKey)
	}
	return newEthGateway(client, address, issuerKey, new(big.Int).SetUint64(chainID))
}

// NewSimulated deploys an in-process registry owned by the issuer key and
// returns a gateway bound to it.
func NewSimulated(ctx context.Context, contract *Contract, issuerKey string, chainID uint64) (*EthGateway, *SimulatedBackend, error) {
	address := common.BytesToAddress(common.Keccak256([]byte("certchain-registry"), contract.Owner().Bytes()).Bytes()[12:])
	backend := NewSimulatedBackend(contract, address, chainID)
	g, err := NewEthGateway(ctx, backend, address, issuerKey)
	if err != nil {
		return nil, nil, err
	}
	g.PollInterval = 10 * time.Millisecond
	return g, backend, nil
}

// From is the issuer address transactions are sent from.
func (g *EthGateway) From() common.Address {
	return common.Address(g.from)
}

func (g *EthGateway) ChainID() uint64 {
	return g.chainID.Uint64()
}

// CheckChainID asks the node for its chain id and compares it with the one
// transactions are signed for.
func (g *EthGateway) CheckChainID(ctx context.Context) error {
	remote, err := g.client.ChainID(ctx)
	if err != nil {
		return chainErr("chain id", err)
	}
	if remote.Cmp(g.chainID) != 0 {
		return fmt.Errorf("%w: node reports chain id %s, configured %s", certerrors.ErrChain, remote, g.chainID)
	}
	return nil
}

func chainErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", certerrors.ErrChain, op, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, certerrors.GetErrorName(err))
	}
	span.End()
}

func (g *EthGateway) call(ctx context.Context, method string, args ...interface{}) (out []interface{}, err error) {
	ctx, span := tracer.Start(ctx, "registry."+method)
	defer func() { endSpan(span, err) }()

	data, err := registryABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: pack %s: %v", certerrors.ErrValidation, method, err)
	}
	raw, err := g.client.CallContract(ctx, ethereum.CallMsg{From: g.from, To: &g.contract, Data: data}, nil)
	if err != nil {
		return nil, chainErr(method, err)
	}
	out, err = registryABI.Unpack(method, raw)
	if err != nil {
		return nil, chainErr("unpack "+method, err)
	}
	return out, nil
}

func (g *EthGateway) transact(ctx context.Context, method string, args ...interface{}) (rcpt *Receipt, err error) {
	ctx, span := tracer.Start(ctx, "registry."+method, trace.WithAttributes(attribute.String("from", g.from.Hex())))
	defer func() { endSpan(span, err) }()

	if g.key == nil {
		return nil, fmt.Errorf("%w: gateway has no issuer key", certerrors.ErrUnauthorized)
	}
	data, err := registryABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: pack %s: %v", certerrors.ErrValidation, method, err)
	}

	g.txMu.Lock()
	tx, err := g.signAndSend(ctx, data)
	g.txMu.Unlock()
	if err != nil {
		return nil, chainErr(method, err)
	}
	log.Debug(log.ChainMonitoring, "registry transaction sent", "method", method, "tx", tx.Hash().Hex())

	receipt, err := g.waitMined(ctx, tx.Hash())
	if err != nil {
		return nil, chainErr(method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, chainErr(method, fmt.Errorf("transaction %s reverted", tx.Hash().Hex()))
	}
	span.SetAttributes(attribute.Int64("block", receipt.BlockNumber.Int64()))
	return &Receipt{
		TxHash:      common.Hash(receipt.TxHash),
		BlockNumber: receipt.BlockNumber.Uint64(),
		Status:      receipt.Status,
	}, nil
}

func (g *EthGateway) signAndSend(ctx context.Context, data []byte) (*types.Transaction, error) {
	nonce, err := g.client.PendingNonceAt(ctx, g.from)
	if err != nil {
		return nil, err
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	gas, err := g.client.EstimateGas(ctx, ethereum.CallMsg{From: g.from, To: &g.contract, Data: data})
	if err != nil {
		return nil, err
	}
	tx := types.NewTransaction(nonce, g.contract, big.NewInt(0), gas+gas/5, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(g.chainID), g.key)
	if err != nil {
		return nil, err
	}
	if err := g.client.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

func (g *EthGateway) waitMined(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(g.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := g.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func toBytes32(hs []common.Hash) [][32]byte {
	out := make([][32]byte, len(hs))
	for i, h := range hs {
		out[i] = [32]byte(h)
	}
	return out
}

// CommitBatch registers the batch after checking the sender is an authorized
// issuer, so an unauthorized caller never pays for a reverted transaction.
func (g *EthGateway) CommitBatch(ctx context.Context, didHashes, merkleRoots []common.Hash) (*Receipt, error) {
	if len(didHashes) == 0 || len(didHashes) != len(merkleRoots) {
		return nil, fmt.Errorf("%w: %d didHashes, %d merkleRoots", certerrors.ErrValidation, len(didHashes), len(merkleRoots))
	}
	ok, err := g.IsAuthorizedIssuer(ctx, g.From())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an authorized issuer", certerrors.ErrChain, g.from.Hex())
	}
	rcpt, err := g.transact(ctx, methodBatchRegister, toBytes32(didHashes), toBytes32(merkleRoots))
	if err != nil {
		return nil, err
	}
	log.Info(log.ChainMonitoring, "batch registered", "entries", len(didHashes), "tx", rcpt.TxHash.Hex(), "block", rcpt.BlockNumber)
	return rcpt, nil
}

func (g *EthGateway) IsValid(ctx context.Context, didHash, merkleRoot common.Hash) (bool, bool, error) {
	out, err := g.call(ctx, methodIsValidByPair, [32]byte(didHash), [32]byte(merkleRoot))
	if err != nil {
		return false, false, err
	}
	return out[0].(bool), out[1].(bool), nil
}

func (g *EthGateway) Entry(ctx context.Context, didHash, merkleRoot common.Hash) (*Entry, error) {
	out, err := g.call(ctx, methodGetByPair, [32]byte(didHash), [32]byte(merkleRoot))
	if err != nil {
		return nil, err
	}
	return decodeEntry(out, CertificateKey(didHash, merkleRoot))
}

func (g *EthGateway) EntryByKey(ctx context.Context, key common.Hash) (*Entry, error) {
	out, err := g.call(ctx, methodGetCertificate, [32]byte(key))
	if err != nil {
		return nil, err
	}
	return decodeEntry(out, key)
}

// decodeEntry maps the contract's zero value to ErrNotFound.
func decodeEntry(out []interface{}, key common.Hash) (*Entry, error) {
	ts, overflow := uint256.FromBig(out[2].(*big.Int))
	if overflow || !ts.IsUint64() {
		return nil, fmt.Errorf("%w: issuance timestamp of %s out of range", certerrors.ErrChain, key.Hex())
	}
	if ts.IsZero() {
		return nil, fmt.Errorf("%w: certificate %s not registered", certerrors.ErrNotFound, key.Hex())
	}
	return &Entry{
		MerkleRoot:        common.Hash(out[0].([32]byte)),
		DIDHash:           common.Hash(out[1].([32]byte)),
		IssuanceTimestamp: ts.Uint64(),
		Revoked:           out[3].(bool),
	}, nil
}

func (g *EthGateway) Revoke(ctx context.Context, didHash, merkleRoot common.Hash) error {
	e, err := g.Entry(ctx, didHash, merkleRoot)
	if err != nil {
		return err
	}
	if e.Revoked {
		log.Debug(log.ChainMonitoring, "already revoked", "key", e.Key().Hex())
		return nil
	}
	rcpt, err := g.transact(ctx, methodRevokeByPair, [32]byte(didHash), [32]byte(merkleRoot))
	if err != nil {
		return err
	}
	log.Info(log.ChainMonitoring, "certificate revoked", "key", e.Key().Hex(), "tx", rcpt.TxHash.Hex())
	return nil
}

func (g *EthGateway) RevokeByKey(ctx context.Context, key common.Hash) error {
	e, err := g.EntryByKey(ctx, key)
	if err != nil {
		return err
	}
	if e.Revoked {
		log.Debug(log.ChainMonitoring, "already revoked", "key", key.Hex())
		return nil
	}
	rcpt, err := g.transact(ctx, methodRevoke, [32]byte(key))
	if err != nil {
		return err
	}
	log.Info(log.ChainMonitoring, "certificate revoked", "key", key.Hex(), "tx", rcpt.TxHash.Hex())
	return nil
}

func (g *EthGateway) EntriesForSubject(ctx context.Context, didHash common.Hash) ([]common.Hash, error) {
	out, err := g.call(ctx, methodCertsForDid, [32]byte(didHash))
	if err != nil {
		return nil, err
	}
	raw := out[0].([][32]byte)
	keys := make([]common.Hash, len(raw))
	for i, k := range raw {
		keys[i] = common.Hash(k)
	}
	return keys, nil
}

func (g *EthGateway) AuthorizeIssuer(ctx context.Context, issuer common.Address) error {
	_, err := g.transact(ctx, methodAuthorizeIssuer, ethcommon.Address(issuer))
	return err
}

func (g *EthGateway) IsAuthorizedIssuer(ctx context.Context, issuer common.Address) (bool, error) {
	out, err := g.call(ctx, methodIsIssuer, ethcommon.Address(issuer))
	if err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

var _ Gateway = (*EthGateway)(nil)

package registry

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/colorfulnotion/certchain/common"
	"github.com/colorfulnotion/certchain/log"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainClient is the subset of ethclient.Client the gateway needs.
type ChainClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

const simulatedGas = 300_000

// SimulatedBackend is an in-process ChainClient. Calldata addressed to the
// registry is decoded with the contract ABI and executed on a Contract;
// transactions are mined immediately unless ReceiptLag is set.
type SimulatedBackend struct {
	mu       sync.Mutex
	contract *Contract
	address  ethcommon.Address
	chainID  *big.Int
	signer   types.Signer
	nonces   map[ethcommon.Address]uint64
	receipts map[ethcommon.Hash]*types.Receipt
	lag      map[ethcommon.Hash]int
	block    uint64

	// ReceiptLag is the number of receipt polls answered with NotFound
	// before a transaction shows up as mined.
	ReceiptLag int

	fault     error
	failNext  int
	failErr   error
	latency   time.Duration
	lastError error
}

func NewSimulatedBackend(contract *Contract, address common.Address, chainID uint64) *SimulatedBackend {
	id := new(big.Int).SetUint64(chainID)
	return &SimulatedBackend{
		contract: contract,
		address:  ethcommon.Address(address),
		chainID:  id,
		signer:   types.NewEIP155Signer(id),
		nonces:   make(map[ethcommon.Address]uint64),
		receipts: make(map[ethcommon.Hash]*types.Receipt),
		lag:      make(map[ethcommon.Hash]int),
	}
}

// SetFault makes every call fail with err until cleared with nil.
func (b *SimulatedBackend) SetFault(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fault = err
}

// FailNext makes the next n calls fail with err.
func (b *SimulatedBackend) FailNext(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext, b.failErr = n, err
}

// SetLatency delays every call by d, honouring context cancellation.
func (b *SimulatedBackend) SetLatency(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency = d
}

// LastRevert returns the reason of the most recent failed transaction.
func (b *SimulatedBackend) LastRevert() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastError
}

func (b *SimulatedBackend) enter(ctx context.Context) error {
	b.mu.Lock()
	latency := b.latency
	err := b.fault
	if err == nil && b.failNext > 0 {
		b.failNext--
		err = b.failErr
	}
	b.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (b *SimulatedBackend) ChainID(ctx context.Context) (*big.Int, error) {
	if err := b.enter(ctx); err != nil {
		return nil, err
	}
	return new(big.Int).Set(b.chainID), nil
}

func (b *SimulatedBackend) PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error) {
	if err := b.enter(ctx); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *SimulatedBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if err := b.enter(ctx); err != nil {
		return nil, err
	}
	return big.NewInt(1_000_000_000), nil
}

func (b *SimulatedBackend) EstimateGas(ctx context.Context, _ ethereum.CallMsg) (uint64, error) {
	if err := b.enter(ctx); err != nil {
		return 0, err
	}
	return simulatedGas, nil
}

// CallContract executes a view method.
func (b *SimulatedBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := b.enter(ctx); err != nil {
		return nil, err
	}
	if msg.To == nil || *msg.To != b.address {
		return nil, nil
	}
	method, args, err := decodeCall(msg.Data)
	if err != nil {
		return nil, err
	}
	c := b.contract
	switch method.Name {
	case methodIsValidByPair:
		valid, revoked := c.IsValid(hashArg(args[0]), hashArg(args[1]))
		return method.Outputs.Pack(valid, revoked)
	case methodGetByPair:
		e, _ := c.Certificate(CertificateKey(hashArg(args[0]), hashArg(args[1])))
		return packEntry(method, e)
	case methodGetCertificate:
		e, _ := c.Certificate(hashArg(args[0]))
		return packEntry(method, e)
	case methodCertsForDid:
		keys := c.CertificatesForDID(hashArg(args[0]))
		out := make([][32]byte, len(keys))
		for i, k := range keys {
			out[i] = [32]byte(k)
		}
		return method.Outputs.Pack(out)
	case methodIsIssuer:
		return method.Outputs.Pack(c.IsAuthorizedIssuer(common.Address(args[0].(ethcommon.Address))))
	}
	return nil, fmt.Errorf("%w: %s is not a view method", ErrReverted, method.Name)
}

// SendTransaction executes and mines tx.
func (b *SimulatedBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := b.enter(ctx); err != nil {
		return err
	}
	from, err := types.Sender(b.signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if tx.Nonce() != b.nonces[from] {
		return fmt.Errorf("nonce too low: have %d, want %d", tx.Nonce(), b.nonces[from])
	}
	b.nonces[from]++
	b.block++

	execErr := b.execute(common.Address(from), tx)
	status := types.ReceiptStatusSuccessful
	if execErr != nil {
		status = types.ReceiptStatusFailed
		b.lastError = execErr
		log.Debug(log.ChainMonitoring, "simulated transaction reverted", "tx", tx.Hash().Hex(), "err", execErr)
	}
	b.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(b.block),
		GasUsed:     tx.Gas(),
	}
	b.lag[tx.Hash()] = b.ReceiptLag
	return nil
}

func (b *SimulatedBackend) execute(caller common.Address, tx *types.Transaction) error {
	if tx.To() == nil || *tx.To() != b.address {
		return fmt.Errorf("%w: unknown contract", ErrReverted)
	}
	method, args, err := decodeCall(tx.Data())
	if err != nil {
		return err
	}
	c := b.contract
	switch method.Name {
	case methodBatchRegister:
		return c.BatchRegister(caller, hashesArg(args[0]), hashesArg(args[1]))
	case methodRevoke:
		return c.Revoke(caller, hashArg(args[0]))
	case methodRevokeByPair:
		return c.Revoke(caller, CertificateKey(hashArg(args[0]), hashArg(args[1])))
	case methodAuthorizeIssuer:
		return c.AuthorizeIssuer(caller, common.Address(args[0].(ethcommon.Address)))
	}
	return fmt.Errorf("%w: %s is a view method", ErrReverted, method.Name)
}

func (b *SimulatedBackend) TransactionReceipt(ctx context.Context, txHash ethcommon.Hash) (*types.Receipt, error) {
	if err := b.enter(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	if b.lag[txHash] > 0 {
		b.lag[txHash]--
		return nil, ethereum.NotFound
	}
	return r, nil
}

func decodeCall(data []byte) (*abi.Method, []interface{}, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("%w: short calldata", ErrReverted)
	}
	method, err := registryABI.MethodById(data[:4])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrReverted, err)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrReverted, err)
	}
	return method, args, nil
}

func packEntry(method *abi.Method, e Entry) ([]byte, error) {
	return method.Outputs.Pack([32]byte(e.MerkleRoot), [32]byte(e.DIDHash), new(big.Int).SetUint64(e.IssuanceTimestamp), e.Revoked)
}

func hashArg(v interface{}) common.Hash {
	return common.Hash(v.([32]byte))
}

func hashesArg(v interface{}) []common.Hash {
	raw := v.([][32]byte)
	out := make([]common.Hash, len(raw))
	for i, h := range raw {
		out[i] = common.Hash(h)
	}
	return out
}

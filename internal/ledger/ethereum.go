package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"xchain-radar/internal/commitment"
	"xchain-radar/internal/flows"
	"xchain-radar/internal/retry"
)

const (
	// DefaultChainID is the ZetaChain Athens testnet.
	DefaultChainID = 7001
	// DefaultGasLimit covers publish with short strings.
	DefaultGasLimit = 200_000

	ledgerABIJSON = `[
{"inputs":[
  {"internalType":"string","name":"day","type":"string"},
  {"internalType":"string","name":"chain","type":"string"},
  {"internalType":"bytes32","name":"summaryHash","type":"bytes32"},
  {"internalType":"bool","name":"hasAnomaly","type":"bool"},
  {"internalType":"uint256","name":"evidenceRows","type":"uint256"},
  {"internalType":"string","name":"model","type":"string"},
  {"internalType":"string","name":"uri","type":"string"}],
 "name":"publish","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"bytes32","name":"key","type":"bytes32"}],
 "name":"commitments","outputs":[{"internalType":"bytes32","name":"","type":"bytes32"}],
 "stateMutability":"view","type":"function"},
{"anonymous":false,"inputs":[
  {"indexed":true,"internalType":"bytes32","name":"key","type":"bytes32"},
  {"indexed":false,"internalType":"string","name":"day","type":"string"},
  {"indexed":false,"internalType":"string","name":"chain","type":"string"},
  {"indexed":false,"internalType":"bytes32","name":"summaryHash","type":"bytes32"},
  {"indexed":false,"internalType":"bool","name":"hasAnomaly","type":"bool"},
  {"indexed":false,"internalType":"uint256","name":"evidenceRows","type":"uint256"},
  {"indexed":false,"internalType":"string","name":"model","type":"string"},
  {"indexed":false,"internalType":"string","name":"uri","type":"string"}],
 "name":"Published","type":"event"}
]`
)

var ledgerABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(ledgerABIJSON))
	if err != nil {
		panic("failed to parse ledger ABI: " + err.Error())
	}
	ledgerABI = parsed
}

// ContractBackend is the subset of ethclient used by the ledger.
type ContractBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingCallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// EthereumOptions parameterise the EVM ledger.
type EthereumOptions struct {
	RPCURL          string
	ContractAddress string
	PrivateKeyHex   string
	ChainID         int64
	GasLimit        uint64
	Timeout         time.Duration
}

// Ethereum reads and writes commitments on an EVM contract.
type Ethereum struct {
	opts     EthereumOptions
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	signer   types.Signer
	logger   zerolog.Logger

	clientMux sync.Mutex
	backend   ContractBackend

	// sendMux serialises nonce allocation.
	sendMux   sync.Mutex
	nextNonce uint64
	haveNonce bool
}

// NewEthereum validates opts. The RPC connection is dialled lazily.
func NewEthereum(opts EthereumOptions, logger zerolog.Logger) (*Ethereum, error) {
	return newEthereum(nil, opts, logger)
}

// NewEthereumWithBackend uses backend instead of dialling RPCURL.
func NewEthereumWithBackend(backend ContractBackend, opts EthereumOptions, logger zerolog.Logger) (*Ethereum, error) {
	if backend == nil {
		return nil, errors.New("ledger backend is nil")
	}
	return newEthereum(backend, opts, logger)
}

func newEthereum(backend ContractBackend, opts EthereumOptions, logger zerolog.Logger) (*Ethereum, error) {
	if backend == nil && opts.RPCURL == "" {
		return nil, errors.New("ledger rpc url not configured")
	}
	if !common.IsHexAddress(opts.ContractAddress) {
		return nil, fmt.Errorf("invalid ledger contract address %q", opts.ContractAddress)
	}
	if opts.ChainID <= 0 {
		opts.ChainID = DefaultChainID
	}
	if opts.GasLimit == 0 {
		opts.GasLimit = DefaultGasLimit
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	e := &Ethereum{
		opts:     opts,
		contract: common.HexToAddress(opts.ContractAddress),
		signer:   types.LatestSignerForChainID(big.NewInt(opts.ChainID)),
		backend:  backend,
		logger:   logger.With().Str("component", "ledger_ethereum").Logger(),
	}

	if keyHex := strings.TrimPrefix(strings.TrimSpace(opts.PrivateKeyHex), "0x"); keyHex != "" {
		key, err := crypto.HexToECDSA(keyHex)
		if err != nil {
			return nil, fmt.Errorf("parse ledger private key: %w", err)
		}
		e.key = key
		e.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return e, nil
}

// From returns the signing account, or the zero address in read-only mode.
func (e *Ethereum) From() common.Address { return e.from }

// Get reads commitments(key) against the pending state, so a publish still waiting for
// inclusion counts as committed. A zero hash means nothing was committed.
func (e *Ethereum) Get(ctx context.Context, day time.Time, chain string) (common.Hash, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	backend, err := e.getBackend(ctx)
	if err != nil {
		return common.Hash{}, false, err
	}

	key := commitment.LedgerKey(day, chain)
	payload, err := ledgerABI.Pack("commitments", [32]byte(key))
	if err != nil {
		return common.Hash{}, false, err
	}

	res, err := backend.PendingCallContract(ctx, ethereum.CallMsg{To: &e.contract, Data: payload})
	if err != nil {
		return common.Hash{}, false, classify(fmt.Errorf("call commitments: %w", err))
	}

	outputs, err := ledgerABI.Unpack("commitments", res)
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("decode commitments: %w", err)
	}
	if len(outputs) != 1 {
		return common.Hash{}, false, errors.New("unexpected commitments response")
	}
	raw, ok := outputs[0].([32]byte)
	if !ok {
		return common.Hash{}, false, errors.New("failed to decode commitments output")
	}

	hash := common.Hash(raw)
	return hash, hash != (common.Hash{}), nil
}

// Publish signs and sends a publish transaction. It does not wait for inclusion.
func (e *Ethereum) Publish(ctx context.Context, rec commitment.Record) (commitment.Receipt, error) {
	if e.key == nil {
		return commitment.Receipt{}, errors.New("ledger private key not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	backend, err := e.getBackend(ctx)
	if err != nil {
		return commitment.Receipt{}, err
	}

	data, err := ledgerABI.Pack("publish",
		rec.DayString(),
		rec.Chain,
		[32]byte(rec.SummaryHash),
		rec.HasAnomaly,
		new(big.Int).SetUint64(rec.EvidenceRowCount),
		rec.ModelID,
		rec.EvidenceURI,
	)
	if err != nil {
		return commitment.Receipt{}, fmt.Errorf("pack publish: %w", err)
	}

	e.sendMux.Lock()
	defer e.sendMux.Unlock()

	nonce, err := backend.PendingNonceAt(ctx, e.from)
	if err != nil {
		return commitment.Receipt{}, classify(fmt.Errorf("pending nonce: %w", err))
	}
	if e.haveNonce && e.nextNonce > nonce {
		nonce = e.nextNonce
	}

	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return commitment.Receipt{}, classify(fmt.Errorf("suggest gas price: %w", err))
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &e.contract,
		Value:    big.NewInt(0),
		Gas:      e.opts.GasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, e.signer, e.key)
	if err != nil {
		return commitment.Receipt{}, fmt.Errorf("sign publish tx: %w", err)
	}

	if err := backend.SendTransaction(ctx, signed); err != nil {
		e.haveNonce = false
		return commitment.Receipt{}, classify(fmt.Errorf("send publish tx: %w", err))
	}
	e.nextNonce = nonce + 1
	e.haveNonce = true

	e.logger.Info().Str("day", rec.DayString()).Str("chain", rec.Chain).
		Str("tx", signed.Hash().Hex()).Uint64("nonce", nonce).
		Msg("publish transaction sent")
	return commitment.Receipt{TxID: signed.Hash().Hex(), Key: rec.Key()}, nil
}

// DecodePublished parses a Published event log.
func DecodePublished(lg types.Log) (commitment.Record, error) {
	event := ledgerABI.Events["Published"]
	if len(lg.Topics) != 2 || lg.Topics[0] != event.ID {
		return commitment.Record{}, errors.New("log is not a Published event")
	}

	values, err := event.Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return commitment.Record{}, fmt.Errorf("decode Published: %w", err)
	}
	if len(values) != 7 {
		return commitment.Record{}, errors.New("unexpected Published payload")
	}

	dayStr, _ := values[0].(string)
	chainName, _ := values[1].(string)
	hash, _ := values[2].([32]byte)
	hasAnomaly, _ := values[3].(bool)
	rows, _ := values[4].(*big.Int)
	model, _ := values[5].(string)
	uri, _ := values[6].(string)

	day, err := flows.ParseDay(dayStr)
	if err != nil {
		return commitment.Record{}, err
	}
	rec := commitment.Record{
		Day:         day,
		Chain:       chainName,
		SummaryHash: common.Hash(hash),
		HasAnomaly:  hasAnomaly,
		ModelID:     model,
		EvidenceURI: uri,
	}
	if rows != nil {
		rec.EvidenceRowCount = rows.Uint64()
	}
	if rec.Key() != lg.Topics[1] {
		return commitment.Record{}, errors.New("published event key does not match day/chain")
	}
	return rec, nil
}

func (e *Ethereum) getBackend(ctx context.Context) (ContractBackend, error) {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if e.backend != nil {
		return e.backend, nil
	}

	client, err := ethclient.DialContext(ctx, e.opts.RPCURL)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("dial ledger rpc: %w", err))
	}
	e.backend = client
	return client, nil
}

// classify marks transport faults and throttling as transient. JSON-RPC errors such as
// reverts or nonce conflicts are returned as-is.
func classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return err
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500 {
			return retry.Transient(err)
		}
		return err
	}
	return retry.Transient(err)
}

var _ commitment.Ledger = (*Ethereum)(nil)

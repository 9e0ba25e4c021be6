package service

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/openfaucet/faucet-payout/internal/model"
	"github.com/openfaucet/faucet-payout/internal/repository"
)

// fakeBackend 可编排的 RPC 后端
type fakeBackend struct {
	mu sync.Mutex

	balances map[common.Address]*big.Int
	nonce    uint64
	chainID  *big.Int
	gasPrice *big.Int
	code     []byte

	pendingUnsupported bool
	readErr            error

	// sendHook 每次 SendRawTransaction 前调用, 返回非 nil 模拟节点拒绝
	sendHook  func(callIdx int) error
	sendCalls int
	sentRaw   []string
	sentTxs   []*types.Transaction

	// 回执: 前 receiptNotFound 次查询返回未找到, 之后返回 defaultReceipt
	defaultReceipt  *types.Receipt
	receiptNotFound int
	receiptCalls    int

	// callContractFn 合约只读调用钩子
	callContractFn func(msg ethereum.CallMsg) ([]byte, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		balances: make(map[common.Address]*big.Int),
		chainID:  big.NewInt(31337),
		gasPrice: big.NewInt(1000000000),
	}
}

func (b *fakeBackend) setBalance(addr common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[addr] = new(big.Int).Set(amount)
}

func (b *fakeBackend) setNonce(nonce uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonce = nonce
}

func (b *fakeBackend) balanceOf(addr common.Address) *big.Int {
	if bal, ok := b.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func (b *fakeBackend) PendingBalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return nil, b.readErr
	}
	if b.pendingUnsupported {
		return nil, errors.New(`"pending" is not yet supported`)
	}
	return b.balanceOf(account), nil
}

func (b *fakeBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return nil, b.readErr
	}
	return b.balanceOf(account), nil
}

func (b *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return 0, b.readErr
	}
	if b.pendingUnsupported {
		return 0, errors.New(`"pending" is not yet supported`)
	}
	return b.nonce, nil
}

func (b *fakeBackend) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return 0, b.readErr
	}
	return b.nonce, nil
}

func (b *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return nil, b.readErr
	}
	return new(big.Int).Set(b.chainID), nil
}

func (b *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.gasPrice), nil
}

func (b *fakeBackend) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.code, nil
}

func (b *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiptCalls++
	if b.receiptNotFound > 0 {
		b.receiptNotFound--
		return nil, ethereum.NotFound
	}
	if b.defaultReceipt == nil {
		return nil, ethereum.NotFound
	}
	receipt := *b.defaultReceipt
	receipt.TxHash = txHash
	return &receipt, nil
}

func (b *fakeBackend) SendRawTransaction(ctx context.Context, rawTxHex string) (common.Hash, error) {
	b.mu.Lock()
	hook := b.sendHook
	callIdx := b.sendCalls
	b.sendCalls++
	b.mu.Unlock()

	if hook != nil {
		if err := hook(callIdx); err != nil {
			return common.Hash{}, err
		}
	}

	raw, err := hex.DecodeString(rawTxHex)
	if err != nil {
		return common.Hash{}, err
	}
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, err
	}

	b.mu.Lock()
	b.sentRaw = append(b.sentRaw, rawTxHex)
	b.sentTxs = append(b.sentTxs, &tx)
	b.mu.Unlock()

	return tx.Hash(), nil
}

func (b *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b.mu.Lock()
	fn := b.callContractFn
	b.mu.Unlock()
	if fn == nil {
		return nil, errors.New("no contract call handler configured")
	}
	return fn(msg)
}

func (b *fakeBackend) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sentTxs)
}

func (b *fakeBackend) lastSentTx() *types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.sentTxs) == 0 {
		return nil
	}
	return b.sentTxs[len(b.sentTxs)-1]
}

// successReceipt 默认成功回执
func successReceipt(block int64, gasUsed uint64, effectiveGasPrice int64) *types.Receipt {
	return &types.Receipt{
		Status:            types.ReceiptStatusSuccessful,
		BlockNumber:       big.NewInt(block),
		GasUsed:           gasUsed,
		EffectiveGasPrice: big.NewInt(effectiveGasPrice),
	}
}

// memClaimStore 内存版派发队列仓储
type memClaimStore struct {
	mu       sync.Mutex
	entries  []*model.QueuedClaim
	archives []*model.ClaimArchive
	addErr   error
}

func newMemClaimStore() *memClaimStore {
	return &memClaimStore{}
}

func (s *memClaimStore) GetClaimTxQueue(ctx context.Context) ([]*model.QueuedClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.QueuedClaim, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

func (s *memClaimStore) AddQueuedClaimTx(ctx context.Context, entry *model.QueuedClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return s.addErr
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *memClaimStore) RemoveQueuedClaimTx(ctx context.Context, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, entry := range s.entries {
		if entry.Session == session {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
	}
	return repository.ErrQueuedClaimNotFound
}

func (s *memClaimStore) ArchiveClaim(ctx context.Context, archive *model.ClaimArchive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archives = append(s.archives, archive)
	return nil
}

func (s *memClaimStore) GetArchivedClaim(ctx context.Context, session string) (*model.ClaimArchive, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.archives) - 1; i >= 0; i-- {
		if s.archives[i].Session == session {
			return s.archives[i], nil
		}
	}
	return nil, repository.ErrQueuedClaimNotFound
}

func (s *memClaimStore) has(session string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.entries {
		if entry.Session == session {
			return true
		}
	}
	return false
}

// fakeEventSink 记录发布的事件
type fakeEventSink struct {
	mu      sync.Mutex
	updates []*model.ClaimStatusUpdate
	stats   []*model.ClaimStats
}

func (s *fakeEventSink) PublishClaimStatus(ctx context.Context, update *model.ClaimStatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, update)
	return nil
}

func (s *fakeEventSink) PublishClaimStats(ctx context.Context, stats *model.ClaimStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, stats)
	return nil
}

func (s *fakeEventSink) statusSequence(session string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, u := range s.updates {
		if u.Session == session {
			out = append(out, u.Status)
		}
	}
	return out
}

// fakeStatusPublisher 记录发布的钱包状态
type fakeStatusPublisher struct {
	mu       sync.Mutex
	messages []*model.WalletStatusMessage
}

func (p *fakeStatusPublisher) PublishWalletStatus(ctx context.Context, msg *model.WalletStatusMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *fakeStatusPublisher) last() *model.WalletStatusMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.messages) == 0 {
		return nil
	}
	return p.messages[len(p.messages)-1]
}

// fakeUnclaimedProvider 固定负债
type fakeUnclaimedProvider struct {
	balance *big.Int
	err     error
}

func (p *fakeUnclaimedProvider) GetUnclaimedBalance(ctx context.Context) (*big.Int, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.balance == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Set(p.balance), nil
}
